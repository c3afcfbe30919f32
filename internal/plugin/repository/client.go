package repository

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/modhost/internal/plugin"
)

// ErrPackageMismatch is returned when a downloaded archive does not hold
// the namespace and version its index entry promised.
var ErrPackageMismatch = errors.New("package does not match index entry")

// AckStore remembers which updates the user dismissed.
type AckStore interface {
	Acknowledged(namespace, version string) bool
	Acknowledge(namespace, version string) error
}

// Progress reports index fetch progress. It may be called from background
// goroutines.
type Progress func(done, total int)

// Config configures a Client.
type Config struct {
	// System owns the registry updates are applied to.
	System *plugin.System

	// Fetcher downloads indexes and packages. Defaults to NewHTTPFetcher().
	Fetcher Fetcher

	// Acks persists acknowledged updates. Nil acknowledges in memory only.
	Acks AckStore

	// IndexURLs are polled in parallel.
	IndexURLs []string

	// InstallDir receives downloaded archives. It should be one of the
	// system's package paths.
	InstallDir string

	// Logger is the parent logger.
	Logger *log.Logger
}

// Client polls package indexes and installs verified packages.
//
// Poll, Install and Acknowledge touch the registry and must be called on
// the host's main goroutine. PollAsync and InstallAsync may be called from
// anywhere.
type Client struct {
	system     *plugin.System
	fetcher    Fetcher
	acks       AckStore
	indexes    []string
	installDir string
	logger     *log.Logger

	mu      sync.Mutex
	latest  map[string]Entry
	pending map[string]Entry
}

// New creates a repository client.
func New(cfg Config) *Client {
	fetcher := cfg.Fetcher
	if fetcher == nil {
		fetcher = NewHTTPFetcher()
	}
	acks := cfg.Acks
	if acks == nil {
		acks = &memoryAcks{seen: make(map[string]bool)}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Client{
		system:     cfg.System,
		fetcher:    fetcher,
		acks:       acks,
		indexes:    cfg.IndexURLs,
		installDir: cfg.InstallDir,
		logger:     logger.With("component", "repository"),
		latest:     make(map[string]Entry),
		pending:    make(map[string]Entry),
	}
}

// Poll fetches every index and recomputes the pending updates. It reports
// whether every index was fetched; on failure the previous pending set is
// kept.
func (c *Client) Poll(ctx context.Context, progress Progress) bool {
	entries, err := c.fetchIndexes(ctx, progress)
	if err != nil {
		c.logger.Warn("poll failed", "err", err)
		return false
	}
	c.applyPoll(entries)
	return true
}

// PollAsync fetches indexes on a background goroutine and applies the
// result on the next host tick. done, if not nil, runs on the main
// goroutine.
func (c *Client) PollAsync(ctx context.Context, progress Progress, done func(ok bool)) {
	go func() {
		entries, err := c.fetchIndexes(ctx, progress)
		c.system.Post(func() {
			ok := err == nil
			if ok {
				c.applyPoll(entries)
			} else {
				c.logger.Warn("poll failed", "err", err)
			}
			if done != nil {
				done(ok)
			}
		})
	}()
}

func (c *Client) fetchIndexes(ctx context.Context, progress Progress) ([]Entry, error) {
	results := make([]*Index, len(c.indexes))

	var (
		mu       sync.Mutex
		finished int
	)
	report := func() {
		if progress == nil {
			return
		}
		mu.Lock()
		finished++
		n := finished
		mu.Unlock()
		progress(n, len(c.indexes))
	}

	g, ctx := errgroup.WithContext(ctx)
	for i, indexURL := range c.indexes {
		g.Go(func() error {
			data, err := c.fetcher.Fetch(ctx, indexURL, maxIndexBytes)
			if err != nil {
				return err
			}
			idx, err := ParseIndex(data, indexURL)
			if err != nil {
				return fmt.Errorf("%s: %w", indexURL, err)
			}
			for _, skipped := range idx.Skipped {
				c.logger.Warn("skipping index entry", "index", indexURL, "err", skipped)
			}
			results[i] = idx
			report()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var entries []Entry
	for _, idx := range results {
		entries = append(entries, idx.Entries...)
	}
	return entries, nil
}

// applyPoll groups entries by namespace and keeps, per installed module,
// the newest unacknowledged version above the installed one.
func (c *Client) applyPoll(entries []Entry) {
	byNamespace := make(map[string][]Entry)
	for _, e := range entries {
		k := strings.ToLower(e.Namespace())
		byNamespace[k] = append(byNamespace[k], e)
	}

	latest := make(map[string]Entry, len(byNamespace))
	pending := make(map[string]Entry)
	registry := c.system.Registry()

	for k, group := range byNamespace {
		sort.Slice(group, func(i, j int) bool {
			return group[i].Version().GreaterThan(group[j].Version())
		})
		latest[k] = group[0]

		installed, _, ok := registry.LookupVersion(k)
		if !ok {
			continue
		}
		for _, e := range group {
			if !e.Version().GreaterThan(installed) {
				break
			}
			if c.acks.Acknowledged(e.Namespace(), e.Version().String()) {
				continue
			}
			pending[k] = e
			break
		}
	}

	c.mu.Lock()
	c.latest = latest
	c.pending = pending
	c.mu.Unlock()

	c.logger.Info("poll complete", "entries", len(entries), "pending", len(pending))
}

// Pending returns the pending updates sorted by namespace.
func (c *Client) Pending() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedEntries(c.pending)
}

// Available returns the newest entry of every namespace seen by the last
// successful poll, installed or not, sorted by namespace.
func (c *Client) Available() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedEntries(c.latest)
}

// Latest returns the newest indexed entry for a namespace.
func (c *Client) Latest(namespace string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.latest[strings.ToLower(namespace)]
	return e, ok
}

// Acknowledge dismisses an update so it is not offered again.
func (c *Client) Acknowledge(namespace, version string) error {
	if err := c.acks.Acknowledge(namespace, version); err != nil {
		return err
	}

	c.mu.Lock()
	k := strings.ToLower(namespace)
	if e, ok := c.pending[k]; ok && e.Version().String() == strings.TrimPrefix(version, "v") {
		delete(c.pending, k)
	}
	c.mu.Unlock()
	return nil
}

// Install downloads, verifies and installs an entry, replacing any
// installed version. The prior version's enable flag carries over.
//
// A checksum mismatch returns a *ChecksumError and leaves the filesystem
// and registry untouched.
func (c *Client) Install(ctx context.Context, entry Entry) (*plugin.Record, error) {
	data, err := c.download(ctx, entry)
	if err != nil {
		return nil, err
	}
	return c.install(entry, data)
}

// InstallAsync downloads and verifies on a background goroutine and
// installs on the next host tick. done, if not nil, runs on the main
// goroutine.
func (c *Client) InstallAsync(ctx context.Context, entry Entry, done func(*plugin.Record, error)) {
	go func() {
		data, err := c.download(ctx, entry)
		c.system.Post(func() {
			var rec *plugin.Record
			if err == nil {
				rec, err = c.install(entry, data)
			}
			if err != nil {
				c.logger.Error("install failed", "package", entry, "err", err)
			}
			if done != nil {
				done(rec, err)
			}
		})
	}()
}

// download fetches an archive and checks it against its entry.
func (c *Client) download(ctx context.Context, entry Entry) ([]byte, error) {
	data, err := c.fetcher.Fetch(ctx, entry.DownloadURL, maxPackageBytes)
	if err != nil {
		return nil, err
	}
	if err := Verify(entry.String(), data, entry.Checksum); err != nil {
		return nil, err
	}

	m, err := readArchiveManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", entry, err)
	}
	if !strings.EqualFold(m.Namespace(), entry.Namespace()) || !m.Version().Equal(entry.Version()) {
		return nil, fmt.Errorf("%w: %s holds %s@%s", ErrPackageMismatch, entry, m.Namespace(), m.Version())
	}
	return data, nil
}

func readArchiveManifest(data []byte) (*plugin.Manifest, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	raw, err := fs.ReadFile(zr, plugin.ManifestFile)
	if err != nil {
		return nil, err
	}
	return plugin.ParseManifest(raw)
}

// install writes a verified archive and swaps the registry record.
func (c *Client) install(entry Entry, data []byte) (*plugin.Record, error) {
	registry := c.system.Registry()
	ns := entry.Namespace()
	target := filepath.Join(c.installDir, archiveName(entry))

	old, hadOld := registry.Lookup(ns)
	oldLocation := ""
	if hadOld {
		if old.RunState() == plugin.StateLoading {
			return nil, fmt.Errorf("%s: %w", ns, plugin.ErrTransitionPending)
		}
		oldLocation = old.Source().Location()
		// The old code must be unloaded before its file is touched. The
		// persisted enable flag is kept for the new record.
		old.Dispose()
	}

	restore := func() {
		if !hadOld {
			return
		}
		if err := old.Restore(); err != nil {
			c.logger.Warn("failed to restore previous version", "module", ns, "err", err)
		}
	}

	if _, err := os.Stat(target); errors.Is(err, fs.ErrNotExist) {
		if err := writeAtomic(target, data); err != nil {
			restore()
			return nil, err
		}
	} else if err != nil {
		restore()
		return nil, err
	} else {
		c.logger.Info("package already present", "path", target)
	}

	src, err := plugin.OpenSource(target)
	if err != nil {
		restore()
		return nil, err
	}
	m, err := plugin.ReadManifest(src)
	if err != nil {
		_ = src.Close()
		restore()
		return nil, err
	}

	// Replace restores the persisted enable flag. An activation failure
	// still leaves the new record registered.
	rec, enableErr := registry.Replace(m, src)
	if rec == nil {
		_ = src.Close()
		return nil, enableErr
	}

	if oldLocation != "" && oldLocation != target {
		if err := os.RemoveAll(oldLocation); err != nil {
			c.logger.Warn("failed to remove previous package", "path", oldLocation, "err", err)
		}
	}

	c.mu.Lock()
	delete(c.pending, strings.ToLower(ns))
	c.mu.Unlock()

	c.logger.Info("package installed", "module", ns, "version", m.Version(), "path", target)

	if enableErr != nil {
		c.logger.Warn("installed version did not enable", "module", ns, "err", enableErr)
		return rec, enableErr
	}
	return rec, nil
}

// archiveName is the versioned file name of an installed package.
func archiveName(entry Entry) string {
	return strings.ToLower(entry.Namespace()) + "-" + entry.Version().String() + ".zip"
}

// writeAtomic writes data to a temporary file beside path, then renames
// it into place.
func writeAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating install directory: %w", err)
	}

	tmp, err := os.OpenFile(filepath.Join(dir, ".modhost-download-"+uuid.NewString()), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing to temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("moving package into place: %w", err)
	}
	return nil
}

func sortedEntries(m map[string]Entry) []Entry {
	out := make([]Entry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Namespace()) < strings.ToLower(out[j].Namespace())
	})
	return out
}

type memoryAcks struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (a *memoryAcks) Acknowledged(namespace, version string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.seen[strings.ToLower(namespace)+"@"+version]
}

func (a *memoryAcks) Acknowledge(namespace, version string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seen[strings.ToLower(namespace)+"@"+strings.TrimPrefix(version, "v")] = true
	return nil
}
