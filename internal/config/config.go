package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

const ProtocolVersion = "1"

var (
	dataRoot    = "./peershare-data"
	downloadDir = ""
	listenAddr  = ":8765"

	deviceName = ""
	deviceID   = ""
	platform   = runtime.GOOS

	retentionDays          int64 = 10
	maxConcurrentDownloads int64 = 3
	autoDownload                 = true
	autoDownloadNext       int64 = 2
	expiryInterval               = time.Hour
	progressInterval             = 500 * time.Millisecond
	peerHTTPTimeout              = 20 * time.Second
	watchStaleAfter              = 45 * time.Second

	discoveryService        = "_peershare._tcp"
	discoveryLiveness       = 90 * time.Second
	discoveryBrowseInterval = 30 * time.Second
	discoveryEncodeName     = false
	discoveryDisabled       = false

	ledgerDSN         = ""
	sharedFoldersFile = "folders.yaml"

	// logging
	logFilePath   = ""
	logAllowRegex = `^\[(init|boot|http|db|discovery|files|stream|download|autodl|janitor|watch|panic)\]`
	logDenyRegex  = `broken pipe|connection reset by peer`
	logDedupWin   = 3 * time.Second
)

func Load() {
	if v := getenv("DATA_ROOT", ""); v != "" {
		dataRoot = v
	}
	_ = os.MkdirAll(dataRoot, 0o755)

	downloadDir = getenv("DOWNLOAD_DIR", filepath.Join(dataRoot, "downloads"))
	_ = os.MkdirAll(downloadDir, 0o755)

	listenAddr = getenv("LISTEN", listenAddr)

	if h, err := os.Hostname(); err == nil && deviceName == "" {
		deviceName = h
	}
	deviceName = getenv("DEVICE_NAME", deviceName)
	deviceID = getenv("DEVICE_ID", deviceID)
	platform = strings.ToLower(getenv("PLATFORM", platform))

	retentionDays = getenvInt64("RETENTION_DAYS", retentionDays)
	maxConcurrentDownloads = getenvInt64("MAX_CONCURRENT_DOWNLOADS", maxConcurrentDownloads)
	if maxConcurrentDownloads < 1 {
		maxConcurrentDownloads = 1
	}
	autoDownload = getenvBool("AUTO_DOWNLOAD", autoDownload)
	autoDownloadNext = getenvInt64("AUTO_DOWNLOAD_NEXT", autoDownloadNext)
	expiryInterval = getenvDuration("EXPIRY_INTERVAL", expiryInterval)
	progressInterval = getenvDuration("PROGRESS_INTERVAL", progressInterval)
	peerHTTPTimeout = getenvDuration("PEER_HTTP_TIMEOUT", peerHTTPTimeout)
	watchStaleAfter = getenvDuration("WATCH_STALE_AFTER", watchStaleAfter)

	discoveryService = getenv("DISCOVERY_SERVICE", discoveryService)
	discoveryLiveness = getenvDuration("DISCOVERY_LIVENESS", discoveryLiveness)
	discoveryBrowseInterval = getenvDuration("DISCOVERY_BROWSE_INTERVAL", discoveryBrowseInterval)
	discoveryEncodeName = getenvBool("DISCOVERY_ENCODE_NAME", discoveryEncodeName)
	discoveryDisabled = getenvBool("DISCOVERY_DISABLED", discoveryDisabled)

	ledgerDSN = getenv("LEDGER_DSN", filepath.Join(dataRoot, "peershare.db"))
	sharedFoldersFile = getenv("SHARED_FOLDERS_FILE", sharedFoldersFile)

	logFilePath = getenv("LOG_FILE", logFilePath)
	logAllowRegex = getenv("LOG_ALLOW", logAllowRegex)
	logDenyRegex = getenv("LOG_DENY", logDenyRegex)
	logDedupWin = getenvDuration("LOG_DEDUP_WINDOW", logDedupWin)
}

// getters
func DataRoot() string                        { return dataRoot }
func DownloadDir() string                     { return downloadDir }
func ListenAddr() string                      { return listenAddr }
func DeviceName() string                      { return deviceName }
func DeviceID() string                        { return deviceID }
func Platform() string                        { return platform }
func RetentionDays() int64                    { return retentionDays }
func MaxConcurrentDownloads() int64           { return maxConcurrentDownloads }
func AutoDownload() bool                      { return autoDownload }
func AutoDownloadNext() int64                 { return autoDownloadNext }
func ExpiryInterval() time.Duration           { return expiryInterval }
func ProgressInterval() time.Duration         { return progressInterval }
func PeerHTTPTimeout() time.Duration          { return peerHTTPTimeout }
func WatchStaleAfter() time.Duration          { return watchStaleAfter }
func DiscoveryService() string                { return discoveryService }
func DiscoveryLiveness() time.Duration        { return discoveryLiveness }
func DiscoveryBrowseInterval() time.Duration  { return discoveryBrowseInterval }
func DiscoveryEncodeName() bool               { return discoveryEncodeName }
func DiscoveryDisabled() bool                 { return discoveryDisabled }
func LedgerDSN() string                       { return ledgerDSN }
func SharedFoldersFile() string               { return sharedFoldersFile }
func LogFilePath() string                     { return logFilePath }
func LogAllowRegex() string                   { return logAllowRegex }
func LogDenyRegex() string                    { return logDenyRegex }
func LogDedupWindow() time.Duration           { return logDedupWin }

// ListenPort extracts the numeric port from ListenAddr, 0 if it has none.
func ListenPort() int {
	addr := listenAddr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		addr = addr[i+1:]
	}
	n, err := strconv.Atoi(addr)
	if err != nil {
		return 0
	}
	return n
}

// helpers
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func getenvInt64(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}
func getenvDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
func getenvBool(k string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(k))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}
