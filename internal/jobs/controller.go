// Package jobs tracks one-shot background jobs from request to terminal state.
package jobs

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"pkt.systems/fleetconsole/internal/logx"
	"pkt.systems/fleetconsole/schema"
	"pkt.systems/pslog"
)

// Sender delivers outbound frames to the gateway.
type Sender interface {
	Send(msg any) error
}

// Deps configures a Controller.
type Deps struct {
	Sender    Sender
	Logger    pslog.Logger
	NewID     func() schema.RequestID
	MaxChunks int
}

type job struct {
	snapshot schema.JobSnapshot
	order    int
}

// Controller holds the job state machine: running, then completed or failed.
// Terminal jobs never change again.
type Controller struct {
	mu        sync.Mutex
	jobs      map[schema.JobID]*job
	byRequest map[schema.RequestID]schema.JobID
	next      int
	sender    Sender
	log       pslog.Logger
	newID     func() schema.RequestID
	maxChunks int
}

// NewController constructs a job controller.
func NewController(deps Deps) *Controller {
	c := &Controller{
		jobs:      make(map[schema.JobID]*job),
		byRequest: make(map[schema.RequestID]schema.JobID),
		sender:    deps.Sender,
		log:       logx.Or(deps.Logger),
		newID:     deps.NewID,
		maxChunks: deps.MaxChunks,
	}
	if c.newID == nil {
		c.newID = schema.NewRequestID
	}
	return c
}

// Request submits a job.create frame and returns the correlating request id.
// The job itself appears once the gateway answers with job.started.
func (c *Controller) Request(projectID schema.ProjectID, jobType string, request json.RawMessage) (schema.RequestID, error) {
	jobType = strings.TrimSpace(jobType)
	if jobType == "" {
		return "", schema.ErrInvalidMessage
	}
	if c.sender == nil {
		return "", schema.ErrNotConnected
	}
	id := c.newID()
	err := c.sender.Send(schema.JobCreateRequest{
		Type:      schema.MsgJobCreate,
		RequestID: id,
		JobType:   jobType,
		ProjectID: projectID,
		Request:   request,
	})
	if err != nil {
		logx.WithProject(c.log, projectID).Warn("job request failed", "job_type", jobType, "err", err)
		return "", err
	}
	logx.WithProject(c.log, projectID).Info("job requested", "request", id, "job_type", jobType)
	return id, nil
}

// Start registers a running job.
func (c *Controller) Start(msg schema.JobStartedMessage) (schema.JobSnapshot, error) {
	if msg.JobID == "" {
		return schema.JobSnapshot{}, schema.ErrInvalidMessage
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.jobs[msg.JobID]; ok {
		return schema.JobSnapshot{}, schema.ErrJobExists
	}
	c.next++
	j := &job{
		snapshot: schema.JobSnapshot{
			ID:        msg.JobID,
			RequestID: msg.RequestID,
			ProjectID: msg.ProjectID,
			JobType:   msg.JobType,
			Status:    schema.JobRunning,
			Chunks:    []schema.JobChunk{},
		},
		order: c.next,
	}
	c.jobs[msg.JobID] = j
	if msg.RequestID != "" {
		c.byRequest[msg.RequestID] = msg.JobID
	}
	logx.WithJob(c.log, msg.JobID).Info("job started", "request", msg.RequestID, "job_type", msg.JobType)
	return cloneJob(j.snapshot), nil
}

// AppendChunk appends a streamed chunk in arrival order.
func (c *Controller) AppendChunk(id schema.JobID, chunk schema.JobChunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[id]
	if !ok {
		return schema.ErrJobNotFound
	}
	if j.snapshot.Status != schema.JobRunning {
		return schema.ErrJobNotRunning
	}
	j.snapshot.Chunks = append(j.snapshot.Chunks, chunk)
	if c.maxChunks > 0 && len(j.snapshot.Chunks) > c.maxChunks {
		trim := len(j.snapshot.Chunks) - c.maxChunks
		j.snapshot.Chunks = append([]schema.JobChunk(nil), j.snapshot.Chunks[trim:]...)
	}
	return nil
}

// Complete moves a running job to its terminal state. It reports false when
// the job was already terminal and the completion was ignored.
func (c *Controller) Complete(msg schema.JobCompletedMessage) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[msg.JobID]
	if !ok {
		return false, schema.ErrJobNotFound
	}
	if j.snapshot.Status.Terminal() {
		return false, nil
	}
	log := logx.WithJob(c.log, msg.JobID)
	if msg.OK {
		j.snapshot.Status = schema.JobCompleted
		if len(msg.Result) > 0 {
			j.snapshot.Result = append(json.RawMessage(nil), msg.Result...)
		}
		log.Info("job completed", "chunks", len(j.snapshot.Chunks))
		return true, nil
	}
	j.snapshot.Status = schema.JobFailed
	j.snapshot.Error = strings.TrimSpace(msg.Error)
	if j.snapshot.Error == "" {
		j.snapshot.Error = "job failed"
	}
	log.Warn("job failed", "err", j.snapshot.Error)
	return true, nil
}

// Cancel asks the gateway to cancel a running job. The job stays running
// until the gateway reports completion.
func (c *Controller) Cancel(id schema.JobID) error {
	c.mu.Lock()
	j, ok := c.jobs[id]
	var status schema.JobStatus
	if ok {
		status = j.snapshot.Status
	}
	c.mu.Unlock()
	if !ok {
		return schema.ErrJobNotFound
	}
	if status != schema.JobRunning {
		return schema.ErrJobNotRunning
	}
	if c.sender == nil {
		return schema.ErrNotConnected
	}
	if err := c.sender.Send(schema.JobCancelRequest{Type: schema.MsgJobCancel, JobID: id}); err != nil {
		logx.WithJob(c.log, id).Warn("job cancel failed", "err", err)
		return err
	}
	logx.WithJob(c.log, id).Info("job cancel requested")
	return nil
}

// Get returns a job snapshot.
func (c *Controller) Get(id schema.JobID) (schema.JobSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[id]
	if !ok {
		return schema.JobSnapshot{}, schema.ErrJobNotFound
	}
	return cloneJob(j.snapshot), nil
}

// ForRequest resolves the job started for a request id.
func (c *Controller) ForRequest(id schema.RequestID) (schema.JobID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	jobID, ok := c.byRequest[id]
	return jobID, ok
}

// List returns all jobs in start order.
func (c *Controller) List() []schema.JobSnapshot {
	c.mu.Lock()
	all := make([]*job, 0, len(c.jobs))
	for _, j := range c.jobs {
		all = append(all, j)
	}
	sort.Slice(all, func(i, k int) bool { return all[i].order < all[k].order })
	out := make([]schema.JobSnapshot, 0, len(all))
	for _, j := range all {
		out = append(out, cloneJob(j.snapshot))
	}
	c.mu.Unlock()
	return out
}

func cloneJob(s schema.JobSnapshot) schema.JobSnapshot {
	s.Chunks = append([]schema.JobChunk(nil), s.Chunks...)
	if s.Result != nil {
		s.Result = append(json.RawMessage(nil), s.Result...)
	}
	return s
}
