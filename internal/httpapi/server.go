// Package httpapi implements the external HTTP collaborators (spec §6):
// a static landing page, the multipart upload/download fallback, and the
// server-info/rooms/force-release/capability endpoints. It is grounded on
// the teacher's api.Server — same NewServer/Start shape, same
// jsonOK/jsonError helpers, same embedded-static-file serving — but the
// bare http.NewServeMux is replaced with httprouter for real path params
// on :filename/:id (SPEC_FULL.md DOMAIN STACK).
package httpapi

import (
	"crypto/rand"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"golang.org/x/crypto/bcrypt"

	"relaydrop/internal/config"
	"relaydrop/internal/conn"
	"relaydrop/internal/governor"
	"relaydrop/internal/identity"
	"relaydrop/internal/registry"
	"relaydrop/internal/xfer"
	"relaydrop/pkg/utils"
)

const (
	maxUploadFileSize = 500 << 20 // 500MiB per file, spec §6
	maxFilesPerUpload = 50
)

var disallowedExtensions = []glob.Glob{
	glob.MustCompile("*.exe"),
	glob.MustCompile("*.bat"),
	glob.MustCompile("*.cmd"),
	glob.MustCompile("*.sh"),
	glob.MustCompile("*.php"),
	glob.MustCompile("*.js"),
	glob.MustCompile("*.jar"),
	glob.MustCompile("*.dll"),
	glob.MustCompile("*.so"),
	glob.MustCompile("*.msi"),
	glob.MustCompile("*.scr"),
}

// allowedMIMEPrefixes is the upload content-type allowlist (spec §6).
var allowedMIMEPrefixes = []string{
	"image/",
	"video/",
	"audio/",
	"text/",
	"application/pdf",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.",
	"application/vnd.ms-excel",
	"application/vnd.ms-powerpoint",
	"application/zip",
	"application/x-rar-compressed",
}

func isAllowedMIMEType(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if ct == "" {
		return false
	}
	if i := strings.IndexByte(ct, ';'); i != -1 {
		ct = strings.TrimSpace(ct[:i])
	}
	for _, prefix := range allowedMIMEPrefixes {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	return false
}

//go:embed static/*
var embeddedStatic embed.FS

// Server serves the out-of-core HTTP surface alongside the WebSocket relay.
type Server struct {
	cfg     config.Config
	catalog *registry.Catalog
	gov     *governor.Governor
	engine  *xfer.Engine
	conns   *conn.Manager

	adminHash []byte // bcrypt hash of the admin bearer token; nil disables the gate
}

func NewServer(cfg config.Config, catalog *registry.Catalog, gov *governor.Governor, engine *xfer.Engine, conns *conn.Manager) *Server {
	s := &Server{cfg: cfg, catalog: catalog, gov: gov, engine: engine, conns: conns}
	if cfg.AdminTokenHash != "" {
		s.adminHash = []byte(cfg.AdminTokenHash)
	}
	return s
}

// Router builds the httprouter mux, mirroring api.Server.Start's route
// table but with named path params and no cookie-session auth (spec §6
// names no auth for the relay's own endpoints; the admin gate below is a
// SPEC_FULL.md supplement for the force-release/server-info surface).
func (s *Server) Router() http.Handler {
	r := httprouter.New()

	r.GET("/", s.handleIndex)
	staticFS, _ := fs.Sub(embeddedStatic, "static")
	r.ServeFiles("/static/*filepath", http.FS(staticFS))

	r.GET("/ws", s.handleWS)

	r.POST("/api/upload", s.handleUpload)
	r.GET("/api/download/:filename", s.handleDownload)
	r.GET("/api/server-info", s.adminGate(s.handleServerInfo))
	r.GET("/api/rooms", s.handleRooms)
	r.DELETE("/api/transfers/:id", s.adminGate(s.handleForceRelease))
	r.GET("/api/ios-health", s.handleIOSHealth)
	r.GET("/api/safari-check", s.handleSafariCheck)
	r.POST("/api/ios-reconnect", s.handleIOSReconnect)

	return r
}

// ---- WebSocket upgrade ----

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.conns.HandleUpgrade(w, r)
}

// ---- landing page ----

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	data, err := embeddedStatic.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "landing page not found", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	w.Write(data)
}

// ---- upload / download fallback ----

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := r.ParseMultipartForm(maxUploadFileSize); err != nil {
		jsonError(w, "invalid multipart form", http.StatusBadRequest)
		return
	}
	if r.MultipartForm == nil || len(r.MultipartForm.File["files"]) == 0 {
		jsonError(w, "no files provided", http.StatusBadRequest)
		return
	}
	headers := r.MultipartForm.File["files"]
	if len(headers) > maxFilesPerUpload {
		jsonError(w, fmt.Sprintf("too many files: max %d per request", maxFilesPerUpload), http.StatusBadRequest)
		return
	}

	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		jsonError(w, "server storage unavailable", http.StatusInternalServerError)
		return
	}

	stored := make([]map[string]any, 0, len(headers))
	var totalSize int64
	for _, hdr := range headers {
		if hdr.Size > maxUploadFileSize {
			jsonError(w, fmt.Sprintf("%s exceeds the per-file size limit", hdr.Filename), http.StatusRequestEntityTooLarge)
			return
		}
		if isDisallowedExtension(hdr.Filename) {
			jsonError(w, fmt.Sprintf("%s has a disallowed extension", hdr.Filename), http.StatusBadRequest)
			return
		}
		if !isAllowedMIMEType(hdr.Header.Get("Content-Type")) {
			jsonError(w, fmt.Sprintf("%s has an unsupported content type", hdr.Filename), http.StatusBadRequest)
			return
		}

		src, err := hdr.Open()
		if err != nil {
			jsonError(w, "could not read upload", http.StatusInternalServerError)
			return
		}

		safeName := fmt.Sprintf("%s_%s", uuid.NewString(), sanitizeFilename(hdr.Filename))
		destPath := filepath.Join(s.cfg.UploadDir, safeName)
		dest, err := os.Create(destPath)
		if err != nil {
			src.Close()
			jsonError(w, "could not store upload", http.StatusInternalServerError)
			return
		}
		if _, err := io.Copy(dest, src); err != nil {
			src.Close()
			dest.Close()
			os.Remove(destPath)
			jsonError(w, "could not store upload", http.StatusInternalServerError)
			return
		}
		src.Close()
		dest.Close()

		stored = append(stored, map[string]any{
			"name":       hdr.Filename,
			"size":       hdr.Size,
			"type":       hdr.Header.Get("Content-Type"),
			"path":       destPath,
			"url":        "/api/download/" + safeName,
			"uploadedAt": time.Now().UTC().Format(time.RFC3339),
		})
		totalSize += hdr.Size
	}

	log.Printf("[HTTPAPI] stored %d uploaded file(s)", len(stored))
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"files":     stored,
		"totalSize": totalSize,
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	name := filepath.Base(ps.ByName("filename")) // strip any path traversal attempt
	path := filepath.Join(s.cfg.UploadDir, name)
	if _, err := os.Stat(path); err != nil {
		jsonError(w, "file not found", http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, path)
}

func isDisallowedExtension(name string) bool {
	lower := strings.ToLower(name)
	for _, g := range disallowedExtensions {
		if g.Match(lower) {
			return true
		}
	}
	return false
}

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
}

// ---- introspection ----

func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	snap := s.gov.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"localIP":         utils.GetLocalIP(),
		"memoryInFlight":  snap.MemoryInFlight,
		"maxMemory":       snap.MaxMemory,
		"activeTransfers": snap.ActiveTransfers,
		"maxConcurrent":   snap.MaxConcurrent,
		"overWarning":     snap.OverWarning,
		"overLimit":       snap.OverLimit,
		"deviceCount":     len(s.catalog.ListDevices()),
		"roomCount":       len(s.catalog.ListRooms()),
	})
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	rooms := s.catalog.ListRooms()
	out := make([]map[string]any, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, map[string]any{
			"id":          room.ID,
			"name":        room.Name,
			"deviceCount": len(room.Members),
			"createdAt":   room.Created,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleForceRelease(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	if _, err := s.engine.Cancel(id); err != nil {
		jsonError(w, "transfer not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

// ---- iOS / Safari capability surface ----

func (s *Server) handleIOSHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleSafariCheck(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	mobile := identity.IsMobileSafari(r.UserAgent())
	writeJSON(w, http.StatusOK, map[string]any{"isMobileSafari": mobile})
}

func (s *Server) handleIOSReconnect(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body struct {
		PreviousSession string `json:"previousSession"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ack"})
}

// ---- admin auth gate ----

// adminGate wraps a handler with a bearer-token check against the
// bcrypt-hashed admin secret, in the teacher's storage.go hashing idiom
// (bcrypt.CompareHashAndPassword). Disabled (pass-through) when no
// AdminTokenHash is configured, matching spec §6's "no auth specified" for
// these endpoints unless an operator opts in.
func (s *Server) adminGate(next httprouter.Handle) httprouter.Handle {
	if s.adminHash == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || bcrypt.CompareHashAndPassword(s.adminHash, []byte(token)) != nil {
			jsonError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, ps)
	}
}

// HashAdminToken bcrypt-hashes a plaintext admin token into the form
// ADMIN_TOKEN_HASH expects.
func HashAdminToken(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// GenerateAdminToken mints a random 32-byte hex token, in the teacher's
// storage.generateToken idiom.
func GenerateAdminToken() string {
	b := make([]byte, 32)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}
