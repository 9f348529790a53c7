// Package sidecar implements the relay's file-upload collaborator: a small
// HTTP surface clients use to exchange attachments out of band. The relay
// core never inspects uploaded bytes; clients embed the resulting URL inside
// a chat payload themselves. Grounded on
// _examples/original_source/server/file_server/main.py, the FastAPI service
// this was distilled from.
package sidecar

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

// MaxUploadSize is the request body cap enforced on /api/upload. The Python
// original used 15 MiB; this relay is scoped to 10 MiB attachments.
const MaxUploadSize = 10 << 20

var (
	ErrTooLarge    = errors.New("sidecar: file exceeds upload size limit")
	ErrEmptyUpload = errors.New("sidecar: no file in upload")
)

// Sidecar serves uploaded files from Dir under BaseURL, and records an
// optional HAR-style capture of every upload request through SaveHAR.
type Sidecar struct {
	Dir     string
	BaseURL string
	Log     zerolog.Logger

	// SaveHAR, if set, is called once per /api/upload request with a
	// function that writes an HTTP Archive entry for it; downloads and
	// listings are not captured. Modeled on
	// pkg/origin/authmgr.go's AuthMgr.SaveHAR hook: the sidecar never knows
	// or cares how the archive is persisted, only that it can be asked to
	// produce one.
	SaveHAR func(write func(w io.Writer) error, err error)

	// GzipListing compresses the /files JSON listing response when the
	// client sends "Accept-Encoding: gzip", in the style of
	// db/pdatadb's gzip-compressed blob storage.
	GzipListing bool

	// TrustProxyHeaders makes remoteAddr prefer the X-Forwarded-For header
	// over r.RemoteAddr, for deployments behind a reverse proxy. Modeled on
	// pkg/cloudflare's RealIP middleware, but trusting any proxy rather than
	// a specific Cloudflare prefix list, since the sidecar has no bundled
	// address ranges to check against.
	TrustProxyHeaders bool

	mu sync.Mutex
}

// remoteAddr reports the address to log for r, honoring TrustProxyHeaders.
// A malformed or missing header falls back to r.RemoteAddr rather than
// failing the request.
func (s *Sidecar) remoteAddr(r *http.Request) string {
	if !s.TrustProxyHeaders {
		return r.RemoteAddr
	}
	fwd := r.Header.Get("X-Forwarded-For")
	if fwd == "" {
		return r.RemoteAddr
	}
	if i := strings.IndexByte(fwd, ','); i >= 0 {
		fwd = fwd[:i]
	}
	fwd = strings.TrimSpace(fwd)
	if _, err := netip.ParseAddr(fwd); err != nil {
		s.Log.Debug().Str("x_forwarded_for", fwd).Err(err).Msg("sidecar: ignoring unparseable X-Forwarded-For")
		return r.RemoteAddr
	}
	return fwd
}

// NewSidecar returns a Sidecar rooted at dir, creating it if necessary.
// baseURL is the externally reachable prefix used to build file URLs, e.g.
// "http://relay.example.com:8080".
func NewSidecar(dir, baseURL string, log zerolog.Logger) (*Sidecar, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create uploads dir: %w", err)
	}
	return &Sidecar{
		Dir:     dir,
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Log:     log,
	}, nil
}

// Register wires the sidecar's three endpoints into mux.
func (s *Sidecar) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/upload", s.handleUpload)
	mux.HandleFunc("/files/", s.handleDownload)
	mux.HandleFunc("/files", s.handleList)
}

type uploadResponse struct {
	FileURL string `json:"file_url"`
}

// handleUpload accepts a single multipart file field named "file", stores it
// under a random name to avoid path traversal and collisions, and reports
// back the URL a chat message can embed.
func (s *Sidecar) handleUpload(w http.ResponseWriter, r *http.Request) {
	var harErr error
	if s.SaveHAR != nil {
		defer func() {
			go s.SaveHAR(func(wr io.Writer) error {
				return json.NewEncoder(wr).Encode(map[string]any{
					"method": r.Method,
					"path":   r.URL.Path,
					"error":  fmt.Sprint(harErr),
					"time":   time.Now().UTC().Format(time.RFC3339),
				})
			}, harErr)
		}()
	}

	if r.Method != http.MethodPost {
		harErr = errors.New("method not allowed")
		http.Error(w, harErr.Error(), http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize+1<<20)
	if err := r.ParseMultipartForm(MaxUploadSize); err != nil {
		harErr = fmt.Errorf("parse upload: %w", err)
		http.Error(w, harErr.Error(), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		harErr = ErrEmptyUpload
		http.Error(w, harErr.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()

	if header.Size > MaxUploadSize {
		harErr = ErrTooLarge
		http.Error(w, harErr.Error(), http.StatusRequestEntityTooLarge)
		return
	}

	name, err := s.storeFile(file, header.Filename)
	if err != nil {
		harErr = err
		http.Error(w, "store upload", http.StatusInternalServerError)
		s.Log.Err(err).Str("filename", header.Filename).Msg("sidecar upload failed")
		return
	}

	resp := uploadResponse{FileURL: s.fileURL(name)}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)

	s.Log.Info().Str("stored_as", name).Str("filename", header.Filename).Int64("size", header.Size).Str("remote_addr", s.remoteAddr(r)).Msg("file uploaded")
}

// storeFile writes src to a randomly named file under Dir, preserving the
// original extension so clients' content-type sniffing still works.
func (s *Sidecar) storeFile(src io.Reader, originalName string) (string, error) {
	var suffix [8]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", fmt.Errorf("generate upload name: %w", err)
	}
	name := hex.EncodeToString(suffix[:]) + filepath.Ext(filepath.Base(originalName))

	s.mu.Lock()
	defer s.mu.Unlock()

	dst, err := os.OpenFile(filepath.Join(s.Dir, name), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, io.LimitReader(src, MaxUploadSize)); err != nil {
		return "", fmt.Errorf("write upload file: %w", err)
	}
	return name, nil
}

func (s *Sidecar) fileURL(name string) string {
	return s.BaseURL + "/files/" + name
}

// handleDownload serves a single uploaded file by name, matching the
// original's GET /api/files/{file_name}. A miss is reported as JSON rather
// than http.FileServer's plain-text 404, via a response interceptor in the
// style of pkg/atlas's statusInterceptor.
func (s *Sidecar) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/files/")
	if name == "" || strings.Contains(name, "/") || strings.Contains(name, "..") {
		writeNotFoundJSON(w)
		return
	}
	intercepted := &notFoundInterceptor{w: w}
	http.ServeFile(intercepted, r, filepath.Join(s.Dir, name))
}

// notFoundInterceptor swallows a 404 WriteHeader from http.ServeFile and
// substitutes a JSON body instead, leaving every other status untouched.
type notFoundInterceptor struct {
	w    http.ResponseWriter
	done bool
}

func (i *notFoundInterceptor) Header() http.Header { return i.w.Header() }

func (i *notFoundInterceptor) Write(b []byte) (int, error) {
	if i.done {
		return len(b), nil
	}
	return i.w.Write(b)
}

func (i *notFoundInterceptor) WriteHeader(statusCode int) {
	if statusCode == http.StatusNotFound {
		i.done = true
		writeNotFoundJSON(i.w)
		return
	}
	i.w.WriteHeader(statusCode)
}

func writeNotFoundJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "file not found"})
}

type listEntry struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	URL  string `json:"url"`
}

// handleList reports every stored file as JSON, optionally gzip-compressed
// when GzipListing is set and the client accepts it.
func (s *Sidecar) handleList(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		http.Error(w, "list uploads", http.StatusInternalServerError)
		return
	}

	list := make([]listEntry, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		list = append(list, listEntry{Name: e.Name(), Size: info.Size(), URL: s.fileURL(e.Name())})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })

	w.Header().Set("Content-Type", "application/json")
	if s.GzipListing && strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		w.Header().Set("Content-Encoding", "gzip")
		zw := gzip.NewWriter(w)
		defer zw.Close()
		_ = json.NewEncoder(zw).Encode(list)
		return
	}
	_ = json.NewEncoder(w).Encode(list)
}
