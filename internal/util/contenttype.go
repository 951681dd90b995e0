package util

import (
	"mime"
	"net/http"
	"path"
	"strings"
)

// ContentType returns a MIME type for a file name, falling back to sniffing
// data. Parameters such as charset are stripped.
func ContentType(name string, data []byte) string {
	ext := strings.ToLower(path.Ext(name))

	// Types browsers and players care about, regardless of the OS mime table
	switch ext {
	case ".mp3":
		return "audio/mpeg"
	case ".m4a":
		return "audio/mp4"
	case ".flac":
		return "audio/flac"
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".mkv":
		return "video/x-matroska"
	}

	mt := ""
	if ext != "" {
		mt = mime.TypeByExtension(ext)
	}
	if mt == "" {
		mt = http.DetectContentType(data)
	}
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return mt
}
