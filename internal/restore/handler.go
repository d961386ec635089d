// Package restore resumes an exchange with a peripheral that is still connected when the
// process is relaunched.
package restore

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bgble/internal/connection"
	"github.com/srg/bgble/internal/exchange"
)

// TaskName is the background window name used for restoration.
const TaskName = "restoration"

// Handler drains a restored connection under its own background window.
//
// What counts as restorable is whatever the central reports through Connected. The go-ble
// central only reports links opened by the current process, so against a real radio a
// freshly started daemon finds nothing to restore; links held by the OS on behalf of an
// earlier process are not visible through go-ble.
type Handler struct {
	conn   *connection.Manager
	job    *exchange.Job
	idle   time.Duration
	logger *logrus.Logger
}

// NewHandler creates a restoration handler draining until idle has passed without a tick.
func NewHandler(conn *connection.Manager, job *exchange.Job, idle time.Duration, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Handler{
		conn:   conn,
		job:    job,
		idle:   idle,
		logger: logger,
	}
}

// Restore drains and disconnects a peripheral found connected at start.
// It returns false without error when there is nothing to restore.
func (h *Handler) Restore(ctx context.Context) (bool, error) {
	ok, err := h.conn.Restorable(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		h.logger.Debug("No connected peripheral to restore")
		return false, nil
	}

	h.logger.WithField("idle", h.idle).Info("Restoring connected peripheral")
	session, err := h.job.Run(ctx, exchange.Request{
		TaskName: TaskName,
		Idle:     h.idle,
	})
	if err != nil {
		return true, err
	}

	h.logger.WithFields(logrus.Fields{
		"session":  session.ID,
		"received": session.Received,
	}).Info("Restoration finished")
	return true, nil
}

