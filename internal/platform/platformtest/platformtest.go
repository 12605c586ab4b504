// Package platformtest runs an in-process fake of the distribution platform
// for tests: installer endpoints plus a range-capable artifact endpoint.
package platformtest

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Installer mirrors the platform's camelCase unit descriptor.
type Installer struct {
	URL            string `json:"url"`
	InstallerToken string `json:"installerToken"`
	AppName        string `json:"appName"`
	AppVersion     string `json:"appVersion"`
	AppFileName    string `json:"appFileName"`
	AppRunPort     int    `json:"appRunPort"`
	JdkName        string `json:"jdkName"`
	JdkVersion     string `json:"jdkVersion"`
	JdkFileName    string `json:"jdkFileName"`
}

// InstallerRequest is the body register and requestLatest receive.
type InstallerRequest struct {
	Token       string `json:"token"`
	ServerToken string `json:"serverToken"`
	IP          string `json:"ip"`
	AppRunPort  int    `json:"appRunPort"`
	OSType      string `json:"osType"`
	OSVersion   string `json:"osVersion"`
	Arch        string `json:"arch"`
}

// Artifact is a downloadable file. ETag must be a quoted strong validator
// for If-Range to match.
type Artifact struct {
	Data    []byte
	ETag    string
	ModTime time.Time
	// TruncateAfter, when > 0, makes full (200) responses stop after this many
	// bytes and abort the connection, simulating a dropped transfer.
	TruncateAfter int
}

// ArtifactRequest records one GET /apps call.
type ArtifactRequest struct {
	AppName  string
	Version  string
	TargetOS string
	Arch     string
	Range    string
	IfRange  string
	Status   int
}

// Server is a fake platform. Mutate its exported maps through the setter
// helpers; handlers read them under the same lock.
type Server struct {
	*httptest.Server

	mu sync.Mutex
	// registrations maps a registration token to the descriptor handed out.
	registrations map[string]Installer
	// latest maps an installer token to its current descriptor.
	latest map[string]Installer
	// rejections maps a registration token to 422 field errors.
	rejections map[string]map[string][]string
	// failDeregister lists installer tokens whose DELETE answers 500.
	failDeregister map[string]bool
	artifacts      map[string]*Artifact

	RegisterRequests   []InstallerRequest
	LatestRequests     []InstallerRequest
	DeregisterRequests []string
	ArtifactRequests   []ArtifactRequest
}

// New starts the fake platform. Close it with t.Cleanup(s.Close).
func New() *Server {
	s := &Server{
		registrations:  map[string]Installer{},
		latest:         map[string]Installer{},
		rejections:     map[string]map[string][]string{},
		failDeregister: map[string]bool{},
		artifacts:      map[string]*Artifact{},
	}
	gin.SetMode(gin.TestMode)
	g := gin.New()
	g.POST("/installers", s.handleRegister)
	g.PUT("/installers", s.handleLatest)
	g.DELETE("/installers/:token", s.handleDeregister)
	g.GET("/apps", s.handleArtifact)
	s.Server = httptest.NewServer(g)
	return s
}

func artifactKey(name, version string) string { return name + "@" + version }

// AddRegistration makes POST /installers with token answer inst.
func (s *Server) AddRegistration(token string, inst Installer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registrations[token] = inst
}

// RejectRegistration makes POST /installers with token answer 422.
func (s *Server) RejectRegistration(token string, fields map[string][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejections[token] = fields
}

// SetLatest sets the descriptor returned for installerToken.
func (s *Server) SetLatest(inst Installer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest[inst.InstallerToken] = inst
}

// FailDeregister makes DELETE for installerToken answer 500.
func (s *Server) FailDeregister(installerToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDeregister[installerToken] = true
}

// PutArtifact publishes data under name/version.
func (s *Server) PutArtifact(name, version string, a Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ModTime.IsZero() {
		a.ModTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	cp := a
	s.artifacts[artifactKey(name, version)] = &cp
}

// ArtifactCalls returns a snapshot of the recorded artifact requests.
func (s *Server) ArtifactCalls() []ArtifactRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ArtifactRequest(nil), s.ArtifactRequests...)
}

// Deregistrations returns a snapshot of deregistered installer tokens.
func (s *Server) Deregistrations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.DeregisterRequests...)
}

func (s *Server) handleRegister(c *gin.Context) {
	var req InstallerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RegisterRequests = append(s.RegisterRequests, req)

	if fields, ok := s.rejections[req.Token]; ok {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"errors": fields})
		return
	}
	inst, ok := s.registrations[req.Token]
	if !ok {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"errors": map[string][]string{"token": {"unknown registration token"}}})
		return
	}
	if inst.AppRunPort == 0 {
		inst.AppRunPort = req.AppRunPort
	}
	if inst.InstallerToken == "" {
		inst.InstallerToken = fmt.Sprintf("inst-%d", inst.AppRunPort)
	}
	if inst.URL == "" {
		inst.URL = s.URL
	}
	s.latest[inst.InstallerToken] = inst
	c.JSON(http.StatusCreated, inst)
}

func (s *Server) handleLatest(c *gin.Context) {
	var req InstallerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LatestRequests = append(s.LatestRequests, req)
	inst, ok := s.latest[req.Token]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown installer"})
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (s *Server) handleDeregister(c *gin.Context) {
	token := c.Param("token")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DeregisterRequests = append(s.DeregisterRequests, token)
	if s.failDeregister[token] {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "deregister failed"})
		return
	}
	delete(s.latest, token)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleArtifact(c *gin.Context) {
	rec := ArtifactRequest{
		AppName:  c.Query("appName"),
		Version:  c.Query("version"),
		TargetOS: c.Query("targetOs"),
		Arch:     c.Query("arch"),
		Range:    c.GetHeader("Range"),
		IfRange:  c.GetHeader("If-Range"),
	}

	s.mu.Lock()
	a, ok := s.artifacts[artifactKey(rec.AppName, rec.Version)]
	var snapshot Artifact
	if ok {
		snapshot = *a
	}
	s.mu.Unlock()

	if !ok {
		rec.Status = http.StatusNotFound
		s.record(rec)
		c.Status(http.StatusNotFound)
		return
	}

	if snapshot.ETag != "" {
		c.Header("ETag", snapshot.ETag)
	}

	if snapshot.TruncateAfter > 0 && rec.Range == "" {
		rec.Status = http.StatusOK
		s.record(rec)
		c.Header("Content-Length", fmt.Sprint(len(snapshot.Data)))
		c.Status(http.StatusOK)
		_, _ = c.Writer.Write(snapshot.Data[:snapshot.TruncateAfter])
		c.Writer.Flush()
		panic(http.ErrAbortHandler)
	}

	rw := &statusRecorder{ResponseWriter: c.Writer}
	http.ServeContent(rw, c.Request, rec.AppName, snapshot.ModTime, bytes.NewReader(snapshot.Data))
	rec.Status = rw.status
	s.record(rec)
}

func (s *Server) record(r ArtifactRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ArtifactRequests = append(s.ArtifactRequests, r)
}

type statusRecorder struct {
	gin.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
