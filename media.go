package mediaresolver

import (
	"mime"
	"path"
	"strings"
)

// Kind classifies resolved media by how a player consumes it.
type Kind string

const (
	KindVideo    Kind = "video"
	KindAudio    Kind = "audio"
	KindManifest Kind = "manifest"
)

// Result is the result of resolving a page to its playable media.
//
// PageURL and Strategy are stamped by the Resolver; strategies fill in
// the rest. MediaURL is reported exactly as found, never canonicalized,
// because stream URLs commonly carry signed query params.
type Result struct {
	PageURL  string
	MediaURL string
	MimeType string
	Kind     Kind
	Title    string
	Strategy string
}

// manifestTypes are the streaming manifest content types (HLS and DASH)
// that players consume directly.
var manifestTypes = map[string]bool{
	"application/vnd.apple.mpegurl": true,
	"application/x-mpegurl":         true,
	"audio/mpegurl":                 true,
	"audio/x-mpegurl":               true,
	"application/dash+xml":          true,
}

// mediaExtensions maps URL path extensions to the content type they
// imply. Used to decide whether a URL is worth probing and to classify
// captured requests whose responses carry no usable Content-Type.
var mediaExtensions = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".webm": "video/webm",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".flv":  "video/x-flv",
	".ts":   "video/mp2t",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".ogg":  "audio/ogg",
	".opus": "audio/opus",
	".wav":  "audio/wav",
	".flac": "audio/flac",
	".m3u8": "application/vnd.apple.mpegurl",
	".mpd":  "application/dash+xml",
}

// ClassifyMIME reports the media Kind implied by a content type. The
// value may be a bare type or a full Content-Type header value with
// parameters. ok is false for non-media types.
func ClassifyMIME(contentType string) (kind Kind, ok bool) {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch {
	case manifestTypes[mt]:
		return KindManifest, true
	case strings.HasPrefix(mt, "video/"):
		return KindVideo, true
	case strings.HasPrefix(mt, "audio/"):
		return KindAudio, true
	}
	return "", false
}

// MIMEForPath guesses a media content type from a URL path's extension.
func MIMEForPath(p string) (string, bool) {
	mt, ok := mediaExtensions[strings.ToLower(path.Ext(p))]
	return mt, ok
}

func looksLikeMediaPath(p string) bool {
	_, ok := MIMEForPath(p)
	return ok
}
