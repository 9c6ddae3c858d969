package server

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/maildraft/maildraft/internal/ai"
	"github.com/maildraft/maildraft/internal/imapx"
	"github.com/maildraft/maildraft/internal/locks"
	"github.com/maildraft/maildraft/internal/pipeline"
	"github.com/maildraft/maildraft/internal/scheduler"
	"github.com/maildraft/maildraft/pkg/models"
)

type processSingleRequest struct {
	AccountID  int64  `json:"account_id"`
	MessageUID uint32 `json:"message_uid"`
	Folder     string `json:"folder,omitempty"`
}

// handleProcessSingle runs the drafting pipeline synchronously for one
// message. Concurrent requests for the same message: one processes, the rest
// get 409.
func (s *Server) handleProcessSingle(c *fiber.Ctx) error {
	var req processSingleRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.AccountID <= 0 || req.MessageUID == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "account_id and message_uid are required")
	}
	if _, err := s.ownedAccount(c, req.AccountID); err != nil {
		return err
	}

	res, err := s.deps.Processor.Process(c.Context(), pipeline.Request{
		AccountID:  req.AccountID,
		MessageUID: req.MessageUID,
		Folder:     req.Folder,
	})
	if err != nil {
		return mapProcessError(err)
	}
	if res.Skipped {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"status": "skipped",
			"error":  locks.ErrLocked.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"status":       "processed",
		"action":       res.Action,
		"destination":  res.Destination,
		"relationship": res.Relationship,
		"draft":        res.Draft,
	})
}

// mapProcessError translates pipeline failures into API status codes.
func mapProcessError(err error) error {
	var folderMissing *imapx.ErrFolderMissing
	switch {
	case errors.Is(err, imapx.ErrAuthExpired):
		return fiber.NewError(fiber.StatusUnauthorized, "mailbox authorization expired, re-connect the account")
	case errors.Is(err, imapx.ErrMessageNotFound):
		return fiber.NewError(fiber.StatusNotFound, "message not found")
	case errors.As(err, &folderMissing):
		return fiber.NewError(fiber.StatusUnprocessableEntity, folderMissing.Error())
	case errors.Is(err, ai.ErrMalformedOutput):
		return fiber.NewError(fiber.StatusBadGateway, "drafting provider returned unusable output")
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.NewError(fiber.StatusGatewayTimeout, "processing timed out")
	default:
		return err
	}
}

// handleListActions returns recent processing outcomes for one account.
func (s *Server) handleListActions(c *fiber.Ctx) error {
	accountID, err := paramInt64(c, "accountID")
	if err != nil {
		return err
	}
	if _, err := s.ownedAccount(c, accountID); err != nil {
		return err
	}

	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 500 {
		limit = 50
	}
	records, err := s.deps.DB.GetActionRecordsByAccount(c.Context(), accountID, limit)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"actions": records})
}

// handleTestAccount verifies the account's IMAP connection end to end.
func (s *Server) handleTestAccount(c *fiber.Ctx) error {
	accountID, err := paramInt64(c, "accountID")
	if err != nil {
		return err
	}
	if _, err := s.ownedAccount(c, accountID); err != nil {
		return err
	}

	if err := s.deps.Mail.Check(c.Context(), accountID); err != nil {
		if errors.Is(err, imapx.ErrAuthExpired) {
			return fiber.NewError(fiber.StatusUnauthorized, "mailbox authorization expired, re-connect the account")
		}
		return fiber.NewError(fiber.StatusBadGateway, "connection test failed: "+err.Error())
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

// handleRebuildProfile queues a tone-profile rebuild for the account.
// The rebuild reads the whole sent folder, so it runs as a job rather than
// inside the request.
func (s *Server) handleRebuildProfile(c *fiber.Ctx) error {
	accountID, err := paramInt64(c, "accountID")
	if err != nil {
		return err
	}
	account, err := s.ownedAccount(c, accountID)
	if err != nil {
		return err
	}

	job := models.Job{
		ID:        uuid.New().String(),
		Type:      models.JobRebuildProfile,
		UserID:    account.UserID,
		AccountID: accountID,
	}
	if err := s.deps.Queue.Enqueue(c.Context(), job); err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "queued", "job_id": job.ID})
}

// handleListSchedulers returns every scheduler entry owned by the caller.
func (s *Server) handleListSchedulers(c *fiber.Ctx) error {
	entries, err := s.deps.Scheduler.StatusForUser(userID(c))
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []models.SchedulerEntry{}
	}
	return c.JSON(fiber.Map{"schedulers": entries})
}

// handleSchedulerStatus returns one (task, account) entry.
func (s *Server) handleSchedulerStatus(c *fiber.Ctx) error {
	accountID, err := paramInt64(c, "accountID")
	if err != nil {
		return err
	}
	if _, err := s.ownedAccount(c, accountID); err != nil {
		return err
	}

	entry, err := s.deps.Scheduler.Status(c.Params("taskID"), accountID)
	if errors.Is(err, scheduler.ErrEntryNotFound) {
		return fiber.NewError(fiber.StatusNotFound, "scheduler entry not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(entry)
}

type schedulerUpdateRequest struct {
	Enabled         bool `json:"enabled"`
	IntervalSeconds int  `json:"interval_seconds,omitempty"`
}

// handleSchedulerUpdate enables or disables one recurring task for one
// account. Enabling an already enabled entry updates its interval in place.
func (s *Server) handleSchedulerUpdate(c *fiber.Ctx) error {
	accountID, err := paramInt64(c, "accountID")
	if err != nil {
		return err
	}
	account, err := s.ownedAccount(c, accountID)
	if err != nil {
		return err
	}

	var req schedulerUpdateRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	taskID := c.Params("taskID")
	if req.Enabled {
		interval := time.Duration(req.IntervalSeconds) * time.Second
		err = s.deps.Scheduler.Enable(c.Context(), taskID, account.UserID, accountID, interval)
	} else {
		err = s.deps.Scheduler.Disable(c.Context(), taskID, accountID)
	}
	if errors.Is(err, scheduler.ErrUnknownTask) {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if err != nil {
		return err
	}

	entry, err := s.deps.Scheduler.Status(taskID, accountID)
	if errors.Is(err, scheduler.ErrEntryNotFound) {
		// Disabling a never-enabled entry is a no-op.
		return c.JSON(fiber.Map{"task_id": taskID, "account_id": accountID, "enabled": false})
	}
	if err != nil {
		return err
	}
	return c.JSON(entry)
}

// handleMonitorStatus returns the monitor state of every account the caller owns.
func (s *Server) handleMonitorStatus(c *fiber.Ctx) error {
	accounts, err := s.deps.DB.GetAccountsByUserID(c.Context(), userID(c))
	if err != nil {
		return err
	}

	statuses := make([]models.MonitorStatus, 0, len(accounts))
	for _, account := range accounts {
		statuses = append(statuses, s.deps.Registry.StatusFor(account.ID))
	}
	return c.JSON(fiber.Map{"monitors": statuses})
}

// handleMonitorStart enables monitoring for one account and starts its monitor.
func (s *Server) handleMonitorStart(c *fiber.Ctx) error {
	accountID, err := paramInt64(c, "accountID")
	if err != nil {
		return err
	}
	account, err := s.ownedAccount(c, accountID)
	if err != nil {
		return err
	}

	if err := s.deps.DB.SetAccountMonitoring(c.Context(), accountID, true); err != nil {
		return err
	}
	s.deps.Registry.Start(account)
	return c.JSON(fiber.Map{"status": "monitoring", "account_id": accountID})
}

// handleMonitorStop stops the account's monitor and clears the flag.
func (s *Server) handleMonitorStop(c *fiber.Ctx) error {
	accountID, err := paramInt64(c, "accountID")
	if err != nil {
		return err
	}
	if _, err := s.ownedAccount(c, accountID); err != nil {
		return err
	}

	if err := s.deps.DB.SetAccountMonitoring(c.Context(), accountID, false); err != nil {
		return err
	}
	s.deps.Registry.Stop(accountID)
	return c.JSON(fiber.Map{"status": "stopped", "account_id": accountID})
}

// handleWorkersPause stops pulling new jobs; in-flight jobs finish.
func (s *Server) handleWorkersPause(c *fiber.Ctx) error {
	s.deps.Runtime.Pause()
	return c.JSON(fiber.Map{"paused": true})
}

// handleWorkersResume lets workers pull jobs again.
func (s *Server) handleWorkersResume(c *fiber.Ctx) error {
	s.deps.Runtime.Resume()
	return c.JSON(fiber.Map{"paused": false})
}

// handleWorkersEmergencyPause pauses and cancels in-flight jobs. Incident
// response only; interrupted jobs retry on resume via the queue.
func (s *Server) handleWorkersEmergencyPause(c *fiber.Ctx) error {
	s.deps.Runtime.EmergencyPause()
	return c.JSON(fiber.Map{"paused": true, "emergency": true})
}

func paramInt64(c *fiber.Ctx, name string) (int64, error) {
	v, err := strconv.ParseInt(c.Params(name), 10, 64)
	if err != nil || v <= 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, "invalid "+name)
	}
	return v, nil
}
