package discovery

import (
	"net"
	"strconv"
	"strings"
)

const encodedSep = "__"

// Advert is our own DNS-SD advertisement.
type Advert struct {
	Instance string
	Service  string
	Port     int
	Text     []string
}

// EncodeInstance packs name, port and IPv4 address into an instance name so
// peers whose resolver drops SRV/A records can still reach us.
func EncodeInstance(name string, port int, ip string) string {
	return name + encodedSep + strconv.Itoa(port) + encodedSep + ip
}

// DecodeInstance reverses EncodeInstance. The last two segments must be a
// port in 1..65535 and a dotted-decimal IPv4 address.
func DecodeInstance(instance string) (name string, port int, ip string, ok bool) {
	parts := strings.Split(instance, encodedSep)
	if len(parts) < 3 {
		return "", 0, "", false
	}
	ipPart := parts[len(parts)-1]
	portPart := parts[len(parts)-2]

	p, err := strconv.Atoi(portPart)
	if err != nil || p < 1 || p > 65535 {
		return "", 0, "", false
	}
	if !isDottedIPv4(ipPart) {
		return "", 0, "", false
	}
	name = strings.Join(parts[:len(parts)-2], encodedSep)
	return name, p, ipPart, true
}

func isDottedIPv4(s string) bool {
	if strings.Count(s, ".") != 3 {
		return false
	}
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil
}

// TXT record keys.
const (
	txtID       = "id"
	txtVersion  = "v"
	txtPlatform = "platform"
	txtName     = "name"
	txtPort     = "port"
)

func BuildText(id, version, platform, name string, port int) []string {
	return []string{
		txtID + "=" + id,
		txtVersion + "=" + version,
		txtPlatform + "=" + platform,
		txtName + "=" + name,
		txtPort + "=" + strconv.Itoa(port),
	}
}

func ParseText(txt []string) map[string]string {
	out := make(map[string]string, len(txt))
	for _, kv := range txt {
		k, v, found := strings.Cut(kv, "=")
		if !found || k == "" {
			continue
		}
		out[strings.ToLower(k)] = v
	}
	return out
}

// unescapeInstance undoes DNS-SD label escaping ("My\ Laptop" -> "My Laptop").
func unescapeInstance(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}
		if i+3 < len(s) && isDigit(s[i+1]) && isDigit(s[i+2]) && isDigit(s[i+3]) {
			n, _ := strconv.Atoi(s[i+1 : i+4])
			b.WriteByte(byte(n))
			i += 3
			continue
		}
		b.WriteByte(s[i+1])
		i++
	}
	return b.String()
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
