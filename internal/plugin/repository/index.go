package repository

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/dshills/modhost/internal/plugin"
)

// ErrInvalidIndex is returned when an index document cannot be read.
var ErrInvalidIndex = errors.New("invalid package index")

// Entry is one package version offered by an index.
type Entry struct {
	// Manifest is the entry's package descriptor.
	Manifest *plugin.Manifest

	// DownloadURL locates the package archive.
	DownloadURL string

	// Checksum is the expected hex-encoded SHA-256 of the archive.
	Checksum string

	// Index is the URL of the index that listed the entry.
	Index string
}

// Namespace returns the entry's namespace.
func (e Entry) Namespace() string {
	return e.Manifest.Namespace()
}

// Version returns the entry's version.
func (e Entry) Version() *semver.Version {
	return e.Manifest.Version()
}

// String returns "namespace@version".
func (e Entry) String() string {
	return e.Namespace() + "@" + e.Version().String()
}

// Index is a parsed index document.
type Index struct {
	Entries []Entry

	// Skipped holds one error per entry that could not be parsed.
	Skipped []error
}

// ParseIndex parses an index document fetched from indexURL. The document
// is either an array of entries or an object with a "packages" array.
// Entries without a manifest_version are read as version 1.
func ParseIndex(data []byte, indexURL string) (*Index, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrInvalidIndex)
	}

	list := gjson.ParseBytes(data)
	if !list.IsArray() {
		list = list.Get("packages")
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("%w: expected a packages array", ErrInvalidIndex)
	}

	base, err := url.Parse(indexURL)
	if err != nil {
		return nil, fmt.Errorf("%w: index url: %v", ErrInvalidIndex, err)
	}

	idx := &Index{}
	for i, raw := range list.Array() {
		entry, err := parseEntry(raw, base)
		if err != nil {
			idx.Skipped = append(idx.Skipped, fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		entry.Index = indexURL
		idx.Entries = append(idx.Entries, entry)
	}
	return idx, nil
}

func parseEntry(raw gjson.Result, base *url.URL) (Entry, error) {
	if !raw.IsObject() {
		return Entry{}, errors.New("not an object")
	}

	doc := raw.Raw
	if !raw.Get("manifest_version").Exists() {
		var err error
		if doc, err = sjson.Set(doc, "manifest_version", 1); err != nil {
			return Entry{}, err
		}
	}

	download := strings.TrimSpace(raw.Get("download_url").String())
	if download == "" {
		return Entry{}, &plugin.MissingFieldError{Field: "download_url"}
	}
	checksum := strings.TrimSpace(raw.Get("checksum").String())
	if checksum == "" {
		return Entry{}, &plugin.MissingFieldError{Field: "checksum"}
	}

	ref, err := url.Parse(download)
	if err != nil {
		return Entry{}, fmt.Errorf("download_url: %w", err)
	}

	m, err := plugin.ParseManifest([]byte(doc))
	if err != nil {
		return Entry{}, err
	}

	return Entry{
		Manifest:    m,
		DownloadURL: base.ResolveReference(ref).String(),
		Checksum:    checksum,
	}, nil
}
