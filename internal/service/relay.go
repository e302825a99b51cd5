package service

import (
	"github.com/veranemoloko/download-queue/internal/domain"
	"github.com/veranemoloko/download-queue/internal/metrics"
	"github.com/veranemoloko/download-queue/internal/worker"
)

// relay forwards transfer reports into the coordinator's task cache and
// notifier.
type relay struct {
	c *Coordinator
}

func (r relay) OnProgress(p worker.Progress) {
	c := r.c
	c.mu.Lock()
	defer c.mu.Unlock()

	task, ok := c.tasks[p.TaskID]
	if !ok || task.Status.IsTerminal() {
		return
	}
	if delta := p.Downloaded - task.Downloaded; delta > 0 {
		metrics.DownloadBytes.Add(float64(delta))
	}
	task.Downloaded = p.Downloaded
	if p.Total <= 0 {
		// no percent without a total
		return
	}
	task.Total = p.Total
	task.Percent = p.Percent

	c.emit(domain.EventProgress, task, nil)
}

func (r relay) OnSpeed(s worker.Speed) {
	c := r.c
	c.mu.Lock()
	defer c.mu.Unlock()

	task, ok := c.tasks[s.TaskID]
	if !ok || task.Status.IsTerminal() {
		return
	}
	task.Speed = s.Text

	c.emit(domain.EventSpeed, task, nil)
}
