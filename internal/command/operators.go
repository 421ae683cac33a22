package command

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// op.webhook.* — grounded on internal/webhooks/registry.go's Registry
// (subscription map + per-event index) and SignPayload HMAC helper.
// ============================================================================

// WebhookSubscription is a registered operator webhook.
type WebhookSubscription struct {
	ID        string
	TenantID  string
	URL       string
	Events    []string
	Secret    string
	Active    bool
	CreatedAt time.Time
	FailCount int
}

// WebhookRegistry stores webhook subscriptions per tenant.
type WebhookRegistry struct {
	mu      sync.RWMutex
	hooks   map[string]*WebhookSubscription
	byEvent map[string][]*WebhookSubscription
}

// NewWebhookRegistry creates an empty registry.
func NewWebhookRegistry() *WebhookRegistry {
	return &WebhookRegistry{hooks: make(map[string]*WebhookSubscription), byEvent: make(map[string][]*WebhookSubscription)}
}

func (r *WebhookRegistry) register(tenantID, url string, events []string) (*WebhookSubscription, error) {
	if url == "" {
		return nil, fmt.Errorf("url is required")
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("at least one event is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sub := &WebhookSubscription{
		ID: fmt.Sprintf("wh-%s-%d", tenantID, time.Now().UnixNano()),
		TenantID: tenantID, URL: url, Events: events, Active: true, CreatedAt: time.Now().UTC(),
	}
	r.hooks[sub.ID] = sub
	for _, evt := range events {
		r.byEvent[evt] = append(r.byEvent[evt], sub)
	}
	return sub, nil
}

func (r *WebhookRegistry) unregister(tenantID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.hooks[id]
	if !ok || sub.TenantID != tenantID {
		return fmt.Errorf("webhook %s not found", id)
	}
	delete(r.hooks, id)
	for _, evt := range sub.Events {
		filtered := r.byEvent[evt][:0]
		for _, s := range r.byEvent[evt] {
			if s.ID != id {
				filtered = append(filtered, s)
			}
		}
		r.byEvent[evt] = filtered
	}
	return nil
}

func (r *WebhookRegistry) list(tenantID string) []*WebhookSubscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*WebhookSubscription, 0)
	for _, sub := range r.hooks {
		if sub.TenantID == tenantID {
			out = append(out, sub)
		}
	}
	return out
}

// SignPayload computes the HMAC-SHA256 signature delivered alongside a
// webhook payload, identical in shape to the teacher's SignPayload.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (d *Dispatcher) registerOperators() {
	d.register("op.webhook.register", RoleAdmin, cmdWebhookRegister)
	d.register("op.webhook.list", RoleAdmin, cmdWebhookList)
	d.register("op.webhook.unregister", RoleAdmin, cmdWebhookUnregister)
	d.register("op.cron.schedule", RoleAdmin, cmdCronSchedule)
	d.register("op.cron.list", RoleAdmin, cmdCronList)
	d.register("op.cron.cancel", RoleAdmin, cmdCronCancel)
	d.register("op.store.set", RoleUser, cmdStoreSet)
	d.register("op.store.get", RoleUser, cmdStoreGet)
	d.register("op.store.list", RoleUser, cmdStoreList)
	d.register("op.store.delete", RoleUser, cmdStoreDelete)
}

func cmdWebhookRegister(d *Dispatcher, req Request) Response {
	sub, err := d.webhooks.register(req.Caller.TenantID(), argString(req.Args, "url"), argStringSlice(req.Args, "events"))
	if err != nil {
		return fail(validationErrorCode, err.Error())
	}
	return ok(map[string]interface{}{"id": sub.ID})
}

func cmdWebhookList(d *Dispatcher, req Request) Response {
	subs := d.webhooks.list(req.Caller.TenantID())
	out := make([]map[string]interface{}, 0, len(subs))
	for _, s := range subs {
		out = append(out, map[string]interface{}{"id": s.ID, "url": s.URL, "events": s.Events, "active": s.Active})
	}
	return ok(map[string]interface{}{"webhooks": out})
}

func cmdWebhookUnregister(d *Dispatcher, req Request) Response {
	if err := d.webhooks.unregister(req.Caller.TenantID(), argString(req.Args, "id")); err != nil {
		return fail(validationErrorCode, err.Error())
	}
	return ok(nil)
}

// ============================================================================
// op.cron.* — no scheduling library exists anywhere in the retrieved
// example corpus; this is a deliberately minimal
// time.AfterFunc-based scheduler, not a cron-expression engine.
// ============================================================================

// CronJob is a scheduled, repeating operator task.
type CronJob struct {
	ID       string
	TenantID string
	Command  string
	Args     map[string]interface{}
	Every    time.Duration
	NextRun  time.Time

	stop chan struct{}
}

// CronScheduler runs interval-based jobs (no cron-expression parsing —
// spec.md's op.cron.schedule takes an interval, not a 5-field
// expression, since no cron library is available in the pack).
type CronScheduler struct {
	mu   sync.Mutex
	jobs map[string]*CronJob
	run  func(job *CronJob)
}

// NewCronScheduler creates an empty scheduler.
func NewCronScheduler() *CronScheduler {
	return &CronScheduler{jobs: make(map[string]*CronJob)}
}

// SetRunner installs the callback invoked on every tick. Until a runner is
// installed, ticks do nothing; no code in this module installs one.
func (c *CronScheduler) SetRunner(run func(job *CronJob)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.run = run
}

func (c *CronScheduler) schedule(tenantID, command string, args map[string]interface{}, every time.Duration) (*CronJob, error) {
	if every <= 0 {
		return nil, fmt.Errorf("every must be a positive duration")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	job := &CronJob{
		ID: fmt.Sprintf("cron-%s-%d", tenantID, time.Now().UnixNano()),
		TenantID: tenantID, Command: command, Args: args, Every: every,
		NextRun: time.Now().Add(every), stop: make(chan struct{}),
	}
	c.jobs[job.ID] = job
	go c.loop(job)
	return job, nil
}

func (c *CronScheduler) loop(job *CronJob) {
	ticker := time.NewTicker(job.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			job.NextRun = time.Now().Add(job.Every)
			c.mu.Lock()
			runner := c.run
			c.mu.Unlock()
			if runner != nil {
				runner(job)
			}
		case <-job.stop:
			return
		}
	}
}

func (c *CronScheduler) list(tenantID string) []*CronJob {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*CronJob, 0)
	for _, j := range c.jobs {
		if j.TenantID == tenantID {
			out = append(out, j)
		}
	}
	return out
}

func (c *CronScheduler) cancel(tenantID, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.jobs[id]
	if !ok || job.TenantID != tenantID {
		return fmt.Errorf("cron job %s not found", id)
	}
	close(job.stop)
	delete(c.jobs, id)
	return nil
}

func cmdCronSchedule(d *Dispatcher, req Request) Response {
	everySeconds := argInt(req.Args, "every_seconds", 0)
	job, err := d.cron.schedule(req.Caller.TenantID(), argString(req.Args, "command"), req.Args, time.Duration(everySeconds)*time.Second)
	if err != nil {
		return fail(validationErrorCode, err.Error())
	}
	return ok(map[string]interface{}{"id": job.ID, "next_run": job.NextRun.Format(time.RFC3339)})
}

func cmdCronList(d *Dispatcher, req Request) Response {
	jobs := d.cron.list(req.Caller.TenantID())
	out := make([]map[string]interface{}, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, map[string]interface{}{"id": j.ID, "command": j.Command, "next_run": j.NextRun.Format(time.RFC3339)})
	}
	return ok(map[string]interface{}{"jobs": out})
}

func cmdCronCancel(d *Dispatcher, req Request) Response {
	if err := d.cron.cancel(req.Caller.TenantID(), argString(req.Args, "id")); err != nil {
		return fail(validationErrorCode, err.Error())
	}
	return ok(nil)
}

// ============================================================================
// op.store.* — the per-tenant operator key-value space, backed by
// internal/storage.Storage.
// ============================================================================

func cmdStoreSet(d *Dispatcher, req Request) Response {
	key := argString(req.Args, "key")
	value, _ := req.Args["value"].(string)
	if key == "" {
		return fail(validationErrorCode, "key is required")
	}
	if err := d.storage.OperatorSet(req.Caller.TenantID(), key, []byte(value)); err != nil {
		return fail(internalErrorCode, err.Error())
	}
	return ok(nil)
}

func cmdStoreGet(d *Dispatcher, req Request) Response {
	key := argString(req.Args, "key")
	v, found := d.storage.OperatorGet(req.Caller.TenantID(), key)
	if !found {
		return fail(validationErrorCode, "key not found")
	}
	return ok(map[string]interface{}{"value": string(v)})
}

func cmdStoreList(d *Dispatcher, req Request) Response {
	return ok(map[string]interface{}{"keys": d.storage.OperatorList(req.Caller.TenantID())})
}

func cmdStoreDelete(d *Dispatcher, req Request) Response {
	d.storage.OperatorDelete(req.Caller.TenantID(), argString(req.Args, "key"))
	return ok(nil)
}
