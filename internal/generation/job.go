package generation

import (
	"context"
	"errors"
	"fmt"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/admission"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/artifacts"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/prompts"
)

// GenerateRequest asks for one image per prompt.
type GenerateRequest struct {
	UserID   int64
	Prompts  []string
	Delivery Delivery
}

// EditRequest applies an instruction to an uploaded photo paid for by a reservation.
type EditRequest struct {
	Reservation Reservation
	SourcePath  string
	Prompt      string
	Delivery    Delivery
}

// File is one produced image on disk.
type File struct {
	Path      string
	Transient bool
}

// ItemResult is the outcome of one prompt.
type ItemResult struct {
	Index  int
	Prompt string
	Files  []File
	Cached bool
	Kind   FailureKind
	Err    error
}

// Succeeded reports whether the item yielded an artifact.
func (r ItemResult) Succeeded() bool {
	return r.Err == nil && len(r.Files) > 0
}

// Result summarizes a finished job.
type Result struct {
	Items       []ItemResult
	Produced    int
	Failed      int
	CacheHits   int
	Refunded    int64
	Undelivered int
}

type settlement struct {
	outstanding int64
	slot        *admission.Slot
}

// Generate validates, debits, admits, resolves every prompt and delivers the
// artifacts. Units of failed prompts are refunded; a job that produced nothing
// returns a *Failure carrying the refunded units.
func (s *Service) Generate(ctx context.Context, request GenerateRequest) (Result, error) {
	batch, err := s.validateBatch(request.Prompts)
	if err != nil {
		return Result{}, err
	}
	units := int64(len(batch))
	if err := s.debit(ctx, opGenerate, request.UserID, units); err != nil {
		return Result{}, err
	}

	var items []ItemResult
	refunded, err := s.settleJob(ctx, opGenerate, request.UserID, units, func(job *settlement) error {
		slot, ok := s.admission.Acquire()
		if !ok {
			return newFailure(FailureQueueFull, ErrQueueFull)
		}
		job.slot = slot

		items = s.resolveBatch(ctx, batch)
		produced := 0
		for _, item := range items {
			if item.Succeeded() {
				produced++
			}
		}
		job.outstanding -= int64(produced)
		if produced == 0 {
			first := items[0]
			return newFailure(first.Kind, first.Err)
		}
		s.recordUsage(ctx, opGenerate, request.UserID, produced)
		return nil
	})

	result := summarize(items, refunded)
	if err != nil {
		s.discard(items)
		return result, err
	}
	result.Undelivered = s.deliver(ctx, request.UserID, request.Delivery, items)
	return result, nil
}

// Edit spends a reservation on one edited image. A validation failure leaves
// the reservation open so the user can retry or cancel.
func (s *Service) Edit(ctx context.Context, request EditRequest) (Result, error) {
	instruction, err := prompts.Validate(request.Prompt, s.maxPromptLength)
	if err != nil {
		return Result{}, newFailure(FailureValidation, err)
	}
	reservation, ok := s.take(request.Reservation.ID)
	if !ok {
		return Result{}, newFailure(FailureValidation, ErrUnknownReservation)
	}

	item := ItemResult{Prompt: instruction}
	refunded, err := s.settleJob(ctx, opEdit, reservation.UserID, reservation.Units, func(job *settlement) error {
		slot, ok := s.admission.Acquire()
		if !ok {
			return newFailure(FailureQueueFull, ErrQueueFull)
		}
		job.slot = slot

		source, err := s.files.Read(request.SourcePath)
		if err != nil {
			return newFailure(FailureLocalIO, err)
		}
		callCtx, cancel := context.WithTimeout(ctx, s.itemTimeout)
		defer cancel()
		images, err := s.generator.Edit(callCtx, source, prompts.Enhance(instruction))
		if err == nil && len(images) == 0 {
			err = ErrNoArtifact
		}
		if err != nil {
			s.observe(metrics.OutcomeFailed)
			s.logger.Warn("edit failed", zap.Int64("user_id", reservation.UserID), zap.Error(err))
			return newFailure(FailureExternal, err)
		}
		path, err := s.files.SaveTransient(artifacts.KindEdited, images[0])
		if err != nil {
			s.observe(metrics.OutcomeFailed)
			return newFailure(classifySaveError(err), err)
		}
		item.Files = []File{{Path: path, Transient: true}}
		s.observe(metrics.OutcomeGenerated)

		job.outstanding -= reservation.Units
		s.recordUsage(ctx, opEdit, reservation.UserID, 1)
		return nil
	})

	if err != nil {
		item.Kind, item.Err = KindOf(err), err
		s.discard([]ItemResult{item})
		return summarize([]ItemResult{item}, refunded), err
	}
	items := []ItemResult{item}
	result := summarize(items, refunded)
	result.Undelivered = s.deliver(ctx, reservation.UserID, request.Delivery, items)
	return result, nil
}

func (s *Service) validateBatch(batch []string) ([]string, error) {
	if len(batch) > s.batchLimit {
		return nil, newFailure(FailureValidation, fmt.Errorf("%w: %d > %d", ErrTooManyPrompts, len(batch), s.batchLimit))
	}
	if err := prompts.ValidateAll(batch, s.maxPromptLength); err != nil {
		return nil, newFailure(FailureValidation, err)
	}
	validated := make([]string, len(batch))
	for index, prompt := range batch {
		validated[index], _ = prompts.Validate(prompt, s.maxPromptLength)
	}
	return validated, nil
}

func (s *Service) debit(ctx context.Context, operation string, userID int64, units int64) error {
	if err := s.ledger.Debit(ctx, userID, units); err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return newFailure(FailureInsufficientFunds, err)
		}
		s.logError(operation, "debit_failed", err, zap.Int64("user_id", userID))
		return newFailure(FailureInternal, err)
	}
	return nil
}

// settleJob runs body and then, whatever happened inside it including a
// panic, refunds the units it did not consume and releases the slot.
func (s *Service) settleJob(ctx context.Context, operation string, userID int64, units int64, body func(*settlement) error) (refunded int64, err error) {
	job := &settlement{outstanding: units}
	defer func() {
		if recovered := recover(); recovered != nil {
			err = newFailure(FailureInternal, fmt.Errorf("%w: %v", ErrPanic, recovered))
			s.logError(operation, "panic", err, zap.Int64("user_id", userID))
		}
		var failure *Failure
		if err != nil && !errors.As(err, &failure) {
			err = newFailure(FailureInternal, err)
		}

		if job.outstanding > 0 {
			if refundErr := s.refund(ctx, userID, job.outstanding, refundDescription(operation)); refundErr != nil {
				s.logError(opSettle, "refund_failed", refundErr,
					zap.Int64("user_id", userID),
					zap.Int64("units", job.outstanding))
			} else {
				refunded = job.outstanding
			}
		}
		job.slot.Release()

		if errors.As(err, &failure) {
			failure.Refunded = refunded
		}
	}()
	return 0, body(job)
}

func (s *Service) resolveBatch(ctx context.Context, batch []string) []ItemResult {
	pool := pond.NewResultPool[ItemResult](s.workers)
	defer pool.StopAndWait()

	tasks := make([]pond.Result[ItemResult], len(batch))
	for index, prompt := range batch {
		tasks[index] = pool.SubmitErr(func() (ItemResult, error) {
			return s.resolveItem(ctx, index, prompt), nil
		})
	}

	items := make([]ItemResult, len(batch))
	for index, task := range tasks {
		item, err := task.Wait()
		if err != nil {
			s.observe(metrics.OutcomeFailed)
			s.logError(opGenerate, "item_panic", err, zap.Int("index", index))
			item = ItemResult{Index: index, Prompt: batch[index], Kind: FailureInternal, Err: err}
		}
		items[index] = item
	}
	return items
}

func (s *Service) resolveItem(ctx context.Context, index int, prompt string) ItemResult {
	item := ItemResult{Index: index, Prompt: prompt}

	path, hit, err := s.cache.Lookup(ctx, prompt)
	if err != nil {
		s.logger.Warn("cache lookup failed", zap.Error(err))
	}
	if hit {
		item.Files = []File{{Path: path}}
		item.Cached = true
		s.observe(metrics.OutcomeCached)
		return item
	}

	callCtx, cancel := context.WithTimeout(ctx, s.itemTimeout)
	defer cancel()
	images, err := s.generator.Generate(callCtx, prompt)
	if err == nil && len(images) == 0 {
		err = ErrNoArtifact
	}
	if err != nil {
		s.logger.Warn("generation failed", zap.Int("index", index), zap.Error(err))
		item.Kind, item.Err = FailureExternal, err
		s.observe(metrics.OutcomeFailed)
		return item
	}

	durable, err := s.files.SaveDurable(artifacts.KindGenerated, images[0])
	if err != nil {
		s.logError(opGenerate, "save_failed", err, zap.Int("index", index))
		item.Kind, item.Err = classifySaveError(err), err
		s.observe(metrics.OutcomeFailed)
		return item
	}
	item.Files = append(item.Files, File{Path: durable})
	if err := s.cache.Store(ctx, prompt, durable); err != nil {
		s.logger.Warn("cache store failed", zap.Error(err))
	}
	for _, extra := range images[1:] {
		transient, err := s.files.SaveTransient(artifacts.KindGenerated, extra)
		if err != nil {
			s.logger.Warn("extra image dropped", zap.Error(err))
			continue
		}
		item.Files = append(item.Files, File{Path: transient, Transient: true})
	}
	s.observe(metrics.OutcomeGenerated)
	return item
}

func (s *Service) recordUsage(ctx context.Context, operation string, userID int64, produced int) {
	if err := s.usage.Record(context.WithoutCancel(ctx), userID, produced); err != nil {
		s.logError(operation, "usage_failed", err, zap.Int64("user_id", userID))
	}
}

// discard removes transient files of a job that will not be delivered.
func (s *Service) discard(items []ItemResult) {
	for _, item := range items {
		for _, file := range item.Files {
			if file.Transient {
				if err := s.files.Remove(file.Path); err != nil {
					s.logger.Warn("failed to remove transient artifact", zap.String("path", file.Path), zap.Error(err))
				}
			}
		}
	}
}

func summarize(items []ItemResult, refunded int64) Result {
	result := Result{Items: items, Refunded: refunded}
	for _, item := range items {
		switch {
		case item.Succeeded():
			result.Produced++
			if item.Cached {
				result.CacheHits++
			}
		default:
			result.Failed++
		}
	}
	return result
}

func classifySaveError(err error) FailureKind {
	if errors.Is(err, artifacts.ErrNotImage) || errors.Is(err, artifacts.ErrEmptyArtifact) {
		return FailureExternal
	}
	return FailureLocalIO
}

func refundDescription(operation string) string {
	if operation == opEdit {
		return "edit not delivered"
	}
	return "generation not delivered"
}
