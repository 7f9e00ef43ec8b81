package fileindex

import (
	"mime"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"peershare/pkg/types"
)

// Container formats that the platform mime tables often miss.
var mediaTypes = map[string]string{
	".mkv":  "video/x-matroska",
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".webm": "video/webm",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".ts":   "video/mp2t",
	".wmv":  "video/x-ms-wmv",
	".flv":  "video/x-flv",
	".mp3":  "audio/mpeg",
	".flac": "audio/flac",
	".m4a":  "audio/mp4",
	".ogg":  "audio/ogg",
	".opus": "audio/opus",
	".wav":  "audio/wav",
	".aac":  "audio/aac",
	".srt":  "application/x-subrip",
	".vtt":  "text/vtt",
	".epub": "application/epub+zip",
}

var documentTypes = map[string]bool{
	"application/pdf":      true,
	"application/epub+zip": true,
	"application/msword":   true,
	"application/rtf":      true,
	"application/x-subrip": true,
}

func ContentTypeForName(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ct, ok := mediaTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// Classify returns the mime type and media kind of a file name.
func Classify(name string) (string, types.MediaKind) {
	ct := ContentTypeForName(name)
	base := ct
	if i := strings.IndexByte(base, ';'); i >= 0 {
		base = strings.TrimSpace(base[:i])
	}
	switch {
	case strings.HasPrefix(base, "video/"):
		return ct, types.MediaVideo
	case strings.HasPrefix(base, "audio/"):
		return ct, types.MediaAudio
	case strings.HasPrefix(base, "image/"):
		return ct, types.MediaImage
	case strings.HasPrefix(base, "text/"), documentTypes[base],
		strings.Contains(base, "officedocument"), strings.Contains(base, "opendocument"):
		return ct, types.MediaDocument
	}
	return ct, types.MediaOther
}

// SafeName strips characters that are illegal in file names on common
// platforms; used for Content-Disposition and local download paths.
func SafeName(name string) string {
	repl := strings.NewReplacer("<", "", ">", "", ":", "", `"`, "", "/", "", `\`, "", "|", "", "?", "", "*", "")
	n := repl.Replace(name)
	n = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, n)
	n = strings.Trim(n, " .")
	if len(n) == 0 {
		n = "file"
	}
	if len(n) > 200 {
		ext := filepath.Ext(n)
		if len(ext) > 16 {
			ext = ""
		}
		cut := 200 - len(ext)
		for cut > 0 && !utf8.RuneStart(n[cut]) {
			cut--
		}
		n = n[:cut] + ext
	}
	return n
}
