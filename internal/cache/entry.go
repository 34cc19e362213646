package cache

import (
	"path"
	"strings"
	"time"
)

// MediaKind classifies cached content. It also selects the directory the
// content is stored under.
type MediaKind string

const (
	KindImage   MediaKind = "image"
	KindVideo   MediaKind = "video"
	KindUnknown MediaKind = "unknown"
)

var kindByExtension = map[string]MediaKind{
	".jpg":  KindImage,
	".jpeg": KindImage,
	".png":  KindImage,
	".gif":  KindImage,
	".webp": KindImage,
	".bmp":  KindImage,
	".svg":  KindImage,
	".mp4":  KindVideo,
	".m4v":  KindVideo,
	".mov":  KindVideo,
	".webm": KindVideo,
	".mkv":  KindVideo,
	".avi":  KindVideo,
}

// ParseMediaKind normalizes a kind string. Anything unrecognized is Unknown.
func ParseMediaKind(s string) MediaKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "image", "img", "picture":
		return KindImage
	case "video", "movie":
		return KindVideo
	default:
		return KindUnknown
	}
}

// KindFromRef guesses the kind from the extension of a remote reference.
func KindFromRef(ref string) MediaKind {
	if kind, ok := kindByExtension[refExtension(ref)]; ok {
		return kind
	}
	return KindUnknown
}

func (k MediaKind) dir() string {
	switch k {
	case KindImage:
		return "images"
	case KindVideo:
		return "videos"
	default:
		return "other"
	}
}

// refExtension returns the lower-cased extension of the path part of ref,
// ignoring any query string or fragment.
func refExtension(ref string) string {
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}
	ext := strings.ToLower(path.Ext(ref))
	if len(ext) > 8 || strings.ContainsAny(ext, `/\:`) {
		return ""
	}
	return ext
}

// Entry is the bookkeeping record for one locally stored media file.
type Entry struct {
	RemoteRef    string    `json:"remoteRef"`
	LocalPath    string    `json:"localPath"`
	SizeBytes    int64     `json:"sizeBytes"`
	Checksum     string    `json:"checksum,omitempty"`
	MediaKind    MediaKind `json:"mediaKind"`
	DownloadedAt time.Time `json:"downloadedAt"`
	LastUsedAt   time.Time `json:"lastUsedAt"`
}

// MediaRef is a reference to remote media as supplied by the catalog.
type MediaRef struct {
	RemoteRef string    `json:"remoteRef" yaml:"ref"`
	Kind      MediaKind `json:"kind,omitempty" yaml:"kind"`
}

// ResolvedKind returns the declared kind, or a guess from the extension.
func (r MediaRef) ResolvedKind() MediaKind {
	if k := ParseMediaKind(string(r.Kind)); k != KindUnknown {
		return k
	}
	return KindFromRef(r.RemoteRef)
}
