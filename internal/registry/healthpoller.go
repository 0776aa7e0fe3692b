// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benediktbwimmer/apphub-core/internal/ids"
	ilog "github.com/benediktbwimmer/apphub-core/internal/log"
	"github.com/benediktbwimmer/apphub-core/internal/store"
	"golang.org/x/time/rate"
)

// StartHealthPoller launches the background poller loop described in
// §4.F: every HealthIntervalMs it iterates every service, probing
// candidate base URLs in priority order. It returns a stop function; on
// shutdown the poller finishes its current tick (if any) before exiting,
// per §5 "Poller ticks are themselves cancelable".
func (r *Registry) StartHealthPoller(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	go r.pollLoop(ctx)
	return func() {
		cancel()
		<-r.stopped
	}
}

func (r *Registry) pollLoop(ctx context.Context) {
	defer close(r.stopped)
	interval := time.Duration(r.cfg.HealthIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pollOnce(ctx)
		}
	}
}

// pollOnce runs one health-poll cycle over every known service. Checks
// within a cycle are sequential per service (candidate iteration) but
// parallel across services, bounded by cfg.HealthFanout (§5).
func (r *Registry) pollOnce(ctx context.Context) {
	records, err := r.store.ListServiceRecords(ctx)
	if err != nil {
		r.logger.WarnContext(ctx, "health poll: list service records failed", ilog.Error(err))
		return
	}

	// limiter paces issuance of per-service health-check sequences so a
	// large fleet does not open HealthFanout*candidates sockets at once;
	// the semaphore below is the hard concurrency cap.
	limiter := rate.NewLimiter(rate.Limit(r.cfg.HealthFanout), r.cfg.HealthFanout)
	sem := make(chan struct{}, r.cfg.HealthFanout)
	var wg sync.WaitGroup

	for _, record := range records {
		record := record
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			r.checkService(ctx, record)
		}()
	}
	wg.Wait()
}

// checkService probes record's candidate base URLs in priority order and
// persists the resulting health snapshot, per §4.F. Failures here are
// strictly per-service: they are recorded in the service record and never
// propagate to other services (§7).
func (r *Registry) checkService(ctx context.Context, record *store.ServiceRecord) {
	candidates := healthCandidates(record)
	if len(candidates) == 0 {
		r.persistHealth(ctx, record.Slug, store.ServiceUnknown, "no base URL configured", "")
		return
	}

	timeout := time.Duration(r.cfg.HealthTimeoutMs) * time.Millisecond
	var firstDegraded string
	probedURL := ""

	for _, candidate := range candidates {
		urls := []string{candidate}
		if rewritten, ok := rewriteLoopback(candidate); ok && r.cfg.Containerized {
			// The rewritten host.docker.internal form is tried first when
			// the registry itself is containerized; the original is also
			// tried afterward per §4.F "the original is also tried".
			urls = []string{rewritten, candidate}
		}

		for _, u := range urls {
			healthy, degraded := r.probeOne(ctx, u, record.Manifest.HealthEndpoint, timeout)
			if healthy {
				probedURL = u
				r.persistHealth(ctx, record.Slug, store.ServiceHealthy, "", probedURL)
				r.maybeRefreshOpenAPI(ctx, record, probedURL)
				return
			}
			if degraded && firstDegraded == "" {
				firstDegraded = u
			}
		}
	}

	if firstDegraded != "" {
		r.persistHealth(ctx, record.Slug, store.ServiceDegraded, "non-2xx health response", firstDegraded)
		return
	}
	r.persistHealth(ctx, record.Slug, store.ServiceUnreachable, "no candidate base URL responded", "")
}

// probeOne issues GET healthEndpoint against base and classifies the
// outcome: (healthy=true) on 2xx, (degraded=true) on any other response,
// both false on timeout/transport error (unreachable), per §4.F.
func (r *Registry) probeOne(ctx context.Context, base, healthEndpoint string, timeout time.Duration) (healthy, degraded bool) {
	if base == "" {
		return false, false
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := base
	if healthEndpoint != "" {
		url = joinURL(base, healthEndpoint)
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return false, false
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return false, false
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, false
	}
	return false, true
}

func joinURL(base, path string) string {
	if base == "" {
		return path
	}
	if len(base) > 0 && base[len(base)-1] == '/' && len(path) > 0 && path[0] == '/' {
		return base + path[1:]
	}
	return base + path
}

// healthCandidates returns record's candidate base URLs in the priority
// order defined by §4.F:
//
//	runtime.containerBaseUrl (instanceUrl used as the container base),
//	http://containerIp:containerPort, runtime.instanceUrl, runtime.baseUrl,
//	runtime.previewUrl, computed host:port, record.baseUrl, manifest.baseUrl.
func healthCandidates(record *store.ServiceRecord) []string {
	var out []string
	add := func(v string) {
		if v != "" {
			out = append(out, v)
		}
	}
	if rt := record.Runtime; rt != nil {
		add(rt.InstanceURL)
		if rt.ContainerIP != "" && rt.ContainerPort != 0 {
			add(fmt.Sprintf("http://%s:%d", rt.ContainerIP, rt.ContainerPort))
		}
		add(rt.InstanceURL)
		add(rt.BaseURL)
		add(rt.PreviewURL)
		if rt.Host != "" && rt.Port != 0 {
			add(fmt.Sprintf("http://%s:%d", rt.Host, rt.Port))
		}
	}
	add(record.BaseURL)
	add(record.Manifest.BaseURL)
	return dedupe(out)
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// persistHealth writes a health snapshot and reconciles the service
// record's status, invalidating the health cache entry afterward (§4.F).
// Store failures here log a warning but do not stop the poller (§7).
func (r *Registry) persistHealth(ctx context.Context, slug string, status store.ServiceStatus, message, probedURL string) {
	snapshot := &store.HealthSnapshot{
		ID:        ids.NewHealthSnapshotID(),
		Slug:      slug,
		Status:    status,
		Message:   message,
		CheckedAt: r.now(),
	}
	if err := r.store.InsertHealthSnapshot(ctx, snapshot); err != nil {
		r.logger.WarnContext(ctx, "persist health snapshot failed", "service_slug", slug, ilog.Error(err))
		return
	}

	record, err := r.store.GetServiceRecord(ctx, slug)
	if err != nil {
		r.logger.WarnContext(ctx, "load service record for health update failed", "service_slug", slug, ilog.Error(err))
		return
	}
	record.Status = status
	record.StatusMessage = message
	record.LatestHealth = snapshot
	record.UpdatedAt = r.now()
	if probedURL != "" {
		record.BaseURL = probedURL
	}
	if err := r.store.UpsertServiceRecord(ctx, record); err != nil {
		r.logger.WarnContext(ctx, "persist service record after health update failed", "service_slug", slug, ilog.Error(err))
		return
	}

	r.Publish(ctx, InvalidateMessage{Kind: InvalidateHealth, Reason: "health_poll", Slug: slug})
}
