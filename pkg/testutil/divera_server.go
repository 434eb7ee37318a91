// Package testutil provides testing utilities for the Divera bridge.
// This package contains a fake Divera 24/7 HTTP server that serves the
// pull and set-status endpoints from in-memory fixtures, and a mock Home
// Assistant WebSocket server for the helper entities the bridge writes.
package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// User is the account returned in data.user.
type User struct {
	Firstname string
	Lastname  string
	Email     string
}

// Status is one entry of a cluster's status catalog.
type Status struct {
	ID   int
	Name string
}

// Group is an alarm group.
type Group struct {
	ID   int
	Name string
}

// Vehicle is a cluster vehicle.
type Vehicle struct {
	ID          int
	Name        string
	Shortname   string
	FMSStatusID int
	Lat         float64
	Lng         float64
}

// Answer lists the memberships that responded to an alarm with StatusID.
type Answer struct {
	StatusID int
	UCRIDs   []int
}

// Alarm is a dispatch notification.
type Alarm struct {
	ID            int
	Title         string
	Text          string
	Address       string
	Date          int64
	Lat           float64
	Lng           float64
	Groups        []int
	Priority      bool
	Closed        bool
	New           bool
	SelfAddressed bool
	Answered      []Answer
}

// Cluster is everything served for one membership.
type Cluster struct {
	UCRID         int
	ClusterID     int
	Name          string
	VersionID     int
	Statuses      []Status
	StatusID      int
	StatusSetDate int64
	Groups        []Group
	Vehicles      []Vehicle
	// Alarms are ordered newest first.
	Alarms []Alarm
}

// Request records a call received by the fake server.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   []byte
}

type cannedResponse struct {
	status int
	body   string
}

// FakeDivera simulates the Divera pull/push API.
type FakeDivera struct {
	server    *httptest.Server
	mu        sync.Mutex
	accessKey string
	user      User
	clusters  []*Cluster
	canned    []cannedResponse
	requests  []Request
}

// NewFakeDivera starts a fake server accepting accessKey.
func NewFakeDivera(accessKey string) *FakeDivera {
	f := &FakeDivera{
		accessKey: accessKey,
		user: User{
			Firstname: "Max",
			Lastname:  "Mustermann",
			Email:     "max@example.org",
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/pull/all", f.handlePull)
	mux.HandleFunc("/api/v2/statusgeber/set-status", f.handleSetStatus)
	f.server = httptest.NewServer(mux)
	return f
}

// URL returns the base URL of the fake server.
func (f *FakeDivera) URL() string {
	return f.server.URL
}

// Close shuts the server down.
func (f *FakeDivera) Close() {
	f.server.Close()
}

// SetUser replaces the account owner.
func (f *FakeDivera) SetUser(u User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.user = u
}

// AddCluster adds a membership. The first one added is the default.
func (f *FakeDivera) AddCluster(c Cluster) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := c
	f.clusters = append(f.clusters, &cp)
}

// SetStatus changes the current status of a membership.
func (f *FakeDivera) SetStatus(ucrID, statusID int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c := f.cluster(ucrID); c != nil {
		c.StatusID = statusID
		c.StatusSetDate = time.Now().Unix()
	}
}

// StatusOf returns the current status id of a membership.
func (f *FakeDivera) StatusOf(ucrID int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c := f.cluster(ucrID); c != nil {
		return c.StatusID
	}
	return 0
}

// AddAlarm makes alarm the newest alarm of a membership.
func (f *FakeDivera) AddAlarm(ucrID int, alarm Alarm) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c := f.cluster(ucrID); c != nil {
		c.Alarms = append([]Alarm{alarm}, c.Alarms...)
	}
}

// RespondNext queues a canned response served instead of the next request.
func (f *FakeDivera) RespondNext(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canned = append(f.canned, cannedResponse{status: status, body: body})
}

// FailNext queues n responses with the given HTTP status.
func (f *FakeDivera) FailNext(status, n int) {
	for i := 0; i < n; i++ {
		f.RespondNext(status, `{"success":false}`)
	}
}

// Requests returns all requests received so far.
func (f *FakeDivera) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Request, len(f.requests))
	copy(out, f.requests)
	return out
}

// RequestsTo returns the requests received on path.
func (f *FakeDivera) RequestsTo(path string) []Request {
	var out []Request
	for _, r := range f.Requests() {
		if r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// cluster must be called with f.mu held. ucrID 0 selects the default.
func (f *FakeDivera) cluster(ucrID int) *Cluster {
	if len(f.clusters) == 0 {
		return nil
	}
	if ucrID == 0 {
		return f.clusters[0]
	}
	for _, c := range f.clusters {
		if c.UCRID == ucrID {
			return c
		}
	}
	return nil
}

// intercept records the request and serves a canned response if one is
// queued. It returns the selected cluster when the caller should proceed.
func (f *FakeDivera) intercept(w http.ResponseWriter, r *http.Request, method string) (*Cluster, bool) {
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.requests = append(f.requests, Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Body:   body,
	})

	if len(f.canned) > 0 {
		resp := f.canned[0]
		f.canned = f.canned[1:]
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.status)
		io.WriteString(w, resp.body)
		return nil, false
	}

	if r.Method != method {
		f.mu.Unlock()
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}

	if r.URL.Query().Get("accesskey") != f.accessKey {
		f.mu.Unlock()
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"success":false,"message":"Unauthorized"}`)
		return nil, false
	}

	ucrID := 0
	if raw := r.URL.Query().Get("ucr"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil {
			f.mu.Unlock()
			http.Error(w, "bad ucr", http.StatusBadRequest)
			return nil, false
		}
		ucrID = id
	}

	c := f.cluster(ucrID)
	if c == nil {
		f.mu.Unlock()
		http.Error(w, "unknown ucr", http.StatusForbidden)
		return nil, false
	}

	// r.Body was consumed above; keep it for the handler
	r.Body = io.NopCloser(bytes.NewReader(body))
	return c, true
}

func (f *FakeDivera) handlePull(w http.ResponseWriter, r *http.Request) {
	c, ok := f.intercept(w, r, http.MethodGet)
	if !ok {
		return
	}
	payload := f.buildPayload(c)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

func (f *FakeDivera) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	c, ok := f.intercept(w, r, http.MethodPost)
	if !ok {
		return
	}
	defer f.mu.Unlock()

	var req struct {
		Status struct {
			ID int `json:"id"`
		} `json:"Status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}

	known := false
	for _, s := range c.Statuses {
		if s.ID == req.Status.ID {
			known = true
			break
		}
	}
	if !known {
		http.Error(w, fmt.Sprintf("unknown status %d", req.Status.ID), http.StatusBadRequest)
		return
	}

	c.StatusID = req.Status.ID
	c.StatusSetDate = time.Now().Unix()

	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, `{"success":true}`)
}

// buildPayload must be called with f.mu held.
func (f *FakeDivera) buildPayload(c *Cluster) map[string]any {
	statuses := map[string]any{}
	sorting := make([]int, 0, len(c.Statuses))
	for _, s := range c.Statuses {
		statuses[strconv.Itoa(s.ID)] = map[string]any{"id": s.ID, "name": s.Name}
		sorting = append(sorting, s.ID)
	}

	groups := map[string]any{}
	for _, g := range c.Groups {
		groups[strconv.Itoa(g.ID)] = map[string]any{"id": g.ID, "name": g.Name}
	}

	vehicles := map[string]any{}
	for _, v := range c.Vehicles {
		vehicles[strconv.Itoa(v.ID)] = map[string]any{
			"id":           v.ID,
			"name":         v.Name,
			"shortname":    v.Shortname,
			"fmsstatus_id": v.FMSStatusID,
			"lat":          v.Lat,
			"lng":          v.Lng,
		}
	}

	items := map[string]any{}
	alarmSorting := make([]int, 0, len(c.Alarms))
	for _, a := range c.Alarms {
		answered := map[string]any{}
		for _, ans := range a.Answered {
			members := map[string]any{}
			for _, id := range ans.UCRIDs {
				members[strconv.Itoa(id)] = map[string]any{"ts": a.Date, "note": ""}
			}
			answered[strconv.Itoa(ans.StatusID)] = members
		}
		groupIDs := a.Groups
		if groupIDs == nil {
			groupIDs = []int{}
		}
		items[strconv.Itoa(a.ID)] = map[string]any{
			"id":                 a.ID,
			"foreign_id":         strconv.Itoa(a.ID * 10),
			"title":              a.Title,
			"text":               a.Text,
			"address":            a.Address,
			"date":               a.Date,
			"lat":                a.Lat,
			"lng":                a.Lng,
			"group":              groupIDs,
			"priority":           a.Priority,
			"closed":             a.Closed,
			"new":                a.New,
			"ucr_self_addressed": a.SelfAddressed,
			"ucr_answered":       answered,
		}
		alarmSorting = append(alarmSorting, a.ID)
	}

	ucrs := map[string]any{}
	for _, other := range f.clusters {
		ucrs[strconv.Itoa(other.UCRID)] = map[string]any{
			"id":         other.UCRID,
			"name":       other.Name,
			"cluster_id": other.ClusterID,
		}
	}

	return map[string]any{
		"success": true,
		"data": map[string]any{
			"user": map[string]any{
				"firstname": f.user.Firstname,
				"lastname":  f.user.Lastname,
				"email":     f.user.Email,
				"accesskey": f.accessKey,
			},
			"status": map[string]any{
				"status_id":       c.StatusID,
				"status_set_date": c.StatusSetDate,
			},
			"cluster": map[string]any{
				"name":          c.Name,
				"version_id":    c.VersionID,
				"status":        statuses,
				"statussorting": sorting,
				"group":         groups,
				"vehicle":       vehicles,
			},
			"alarm": map[string]any{
				"items":   items,
				"sorting": alarmSorting,
			},
			"ucr":         ucrs,
			"ucr_default": f.clusters[0].UCRID,
			"ucr_active":  c.UCRID,
		},
	}
}
