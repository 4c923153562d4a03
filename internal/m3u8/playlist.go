package m3u8

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"path"

	"github.com/grafov/m3u8"
)

type PlaylistType int

const (
	Master PlaylistType = iota
	Media
	Unknown
)

// Item is one file a media playlist needs.
type Item struct {
	URL      string
	Filename string
	Kind     string // "segment" or "key"
}

// Parse decodes content and reports which kind of playlist it is.
func Parse(content io.Reader) (m3u8.Playlist, PlaylistType, error) {
	p, listType, err := m3u8.DecodeFrom(content, true)
	if err != nil {
		return nil, Unknown, fmt.Errorf("decode playlist: %w", err)
	}

	switch listType {
	case m3u8.MASTER:
		return p, Master, nil
	case m3u8.MEDIA:
		return p, Media, nil
	default:
		return nil, Unknown, fmt.Errorf("unknown playlist type")
	}
}

// ResolveURL resolves a relative reference against a base URL
func ResolveURL(base *url.URL, ref string) string {
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(refURL).String()
}

// BestVariant returns the absolute URL of the highest bandwidth variant.
func BestVariant(p *m3u8.MasterPlaylist, base *url.URL) (string, error) {
	var best *m3u8.Variant
	for _, v := range p.Variants {
		if v == nil {
			continue
		}
		if best == nil || v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	if best == nil {
		return "", fmt.Errorf("master playlist has no variants")
	}
	return ResolveURL(base, best.URI), nil
}

// Localize rewrites segment and key URIs of p to local file names and returns
// the files to fetch, keys deduplicated. The rewritten playlist plays from
// the directory the items are downloaded to.
func Localize(p *m3u8.MediaPlaylist, base *url.URL) (string, []Item) {
	items := []Item{}
	seenKeys := make(map[string]bool)

	for i, seg := range p.Segments {
		if seg == nil {
			continue
		}

		if seg.URI != "" {
			full := ResolveURL(base, seg.URI)
			ext := ".ts"
			if u, err := url.Parse(full); err == nil {
				if e := path.Ext(u.Path); e != "" {
					ext = e
				}
			}
			filename := fmt.Sprintf("%05d%s", i+1, ext)
			seg.URI = filename
			items = append(items, Item{URL: full, Filename: filename, Kind: "segment"})
		}

		if seg.Key != nil && seg.Key.URI != "" {
			full := ResolveURL(base, seg.Key.URI)
			hash := md5.Sum([]byte(full))
			filename := hex.EncodeToString(hash[:]) + ".key"
			seg.Key.URI = filename
			if !seenKeys[filename] {
				items = append(items, Item{URL: full, Filename: filename, Kind: "key"})
				seenKeys[filename] = true
			}
		}
	}
	// The decoder also keeps the first key as the playlist default.
	if p.Key != nil && p.Key.URI != "" && !seenKeys[p.Key.URI] {
		hash := md5.Sum([]byte(ResolveURL(base, p.Key.URI)))
		p.Key.URI = hex.EncodeToString(hash[:]) + ".key"
	}
	return p.String(), items
}
