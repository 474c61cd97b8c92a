package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aurora-is-near/eth-connector/pkg/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

type RetryConfig struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      5,
		InitialInterval: 2 * time.Second,
		MaxInterval:     time.Minute,
	}
}

// Coordinator drives transfers through initiate, confirmation, proof and
// submission. It holds no per-transfer state in memory, so independent transfers
// may be executed concurrently.
type Coordinator struct {
	routes  map[Direction]Route
	store   Store
	retry   RetryConfig
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Coordinator)

func WithRetry(cfg RetryConfig) Option {
	return func(c *Coordinator) {
		c.retry = cfg
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

func NewCoordinator(store Store, routes []Route, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	c := &Coordinator{
		routes: make(map[Direction]Route, len(routes)),
		store:  store,
		retry:  DefaultRetryConfig(),
		now:    time.Now,
	}
	for _, r := range routes {
		if err := r.validate(); err != nil {
			return nil, err
		}
		if _, dup := c.routes[r.Direction]; dup {
			return nil, fmt.Errorf("duplicate route for %s", r.Direction)
		}
		c.routes[r.Direction] = r
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Coordinator) route(d Direction) (Route, error) {
	r, ok := c.routes[d]
	if !ok {
		return Route{}, fmt.Errorf("%w: %s", ErrNoRoute, d)
	}
	return r, nil
}

// Execute performs a transfer end to end. Re-executing with the same request id
// resumes from the persisted state instead of locking funds again.
func (c *Coordinator) Execute(ctx context.Context, t Transfer) (Outcome, error) {
	if err := t.Validate(); err != nil {
		return Outcome{}, err
	}
	if t.ID == "" {
		return Outcome{}, fmt.Errorf("%w: request id is required", ErrInvalidTransfer)
	}
	route, err := c.route(t.Direction)
	if err != nil {
		return Outcome{}, err
	}

	rec, found, err := c.store.Get(t.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", errPersist, err)
	}
	if found {
		if !sameRequest(rec.Transfer, t) {
			return Outcome{}, fmt.Errorf("%w: %s", ErrRequestConflict, t.ID)
		}
		log.Info().Str("transfer", t.ID).Str("state", rec.State.String()).Msg("resuming transfer")
	} else {
		rec = &Record{Transfer: t, State: StateCreated, UpdatedAt: c.now()}
		if err := c.save(rec); err != nil {
			return Outcome{}, err
		}
	}
	return c.drive(ctx, route, rec)
}

// Relay finalizes a source transaction that was submitted outside of Execute.
// Amount, fee and recipient are learned from the proof.
func (c *Coordinator) Relay(ctx context.Context, id string, d Direction, txID TxID) (Outcome, error) {
	if id == "" || txID == "" {
		return Outcome{}, fmt.Errorf("%w: request id and source tx id are required", ErrInvalidTransfer)
	}
	route, err := c.route(d)
	if err != nil {
		return Outcome{}, err
	}

	rec, found, err := c.store.Get(id)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", errPersist, err)
	}
	switch {
	case !found:
		rec = &Record{
			Transfer:  Transfer{ID: id, Direction: d, SourceTxID: txID},
			State:     StateCreated,
			UpdatedAt: c.now(),
		}
		if err := c.save(rec); err != nil {
			return Outcome{}, err
		}
	case rec.Transfer.Direction != d:
		return Outcome{}, fmt.Errorf("%w: %s", ErrRequestConflict, id)
	case rec.Transfer.SourceTxID == "":
		// an interrupted Execute, resolved by the operator
		rec.Transfer.SourceTxID = txID
		if err := c.save(rec); err != nil {
			return Outcome{}, err
		}
	case rec.Transfer.SourceTxID != txID:
		return Outcome{}, fmt.Errorf("%w: %s is bound to source tx %s", ErrRequestConflict, id, rec.Transfer.SourceTxID)
	}
	return c.drive(ctx, route, rec)
}

// Resume continues a persisted transfer from its stored state.
func (c *Coordinator) Resume(ctx context.Context, id string) (Outcome, error) {
	rec, found, err := c.store.Get(id)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", errPersist, err)
	}
	if !found {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownTransfer, id)
	}
	route, err := c.route(rec.Transfer.Direction)
	if err != nil {
		return Outcome{}, err
	}
	return c.drive(ctx, route, rec)
}

// Prove waits for confirmation of txID and builds its proof without submitting it.
func (c *Coordinator) Prove(ctx context.Context, d Direction, txID TxID) (*Proof, error) {
	route, err := c.route(d)
	if err != nil {
		return nil, err
	}
	confirmed, err := c.awaitConfirmation(ctx, route, txID)
	if err != nil {
		return nil, &StepError{TxID: txID, Step: StepConfirmation, Err: err}
	}
	proof, err := c.buildProof(ctx, route, confirmed)
	if err != nil {
		return nil, &StepError{TxID: txID, Step: StepBuildProof, Err: err}
	}
	return proof, nil
}

// SubmitProof submits a previously built proof.
func (c *Coordinator) SubmitProof(ctx context.Context, proof *Proof) (Outcome, error) {
	route, err := c.route(proof.Direction)
	if err != nil {
		return Outcome{}, err
	}
	outcome, err := c.finalize(ctx, route, proof)
	if err != nil {
		return Outcome{}, &StepError{TxID: proof.TxID, Step: StepSubmit, Err: err}
	}
	c.metrics.Outcome(ctx, route.Direction.String(), outcome.Status.String())
	if outcome.Status == Rejected {
		return outcome, &StepError{TxID: proof.TxID, Step: StepSubmit, Err: fmt.Errorf("%w: %s", ErrRejected, outcome.Reason)}
	}
	return outcome, nil
}

func (c *Coordinator) drive(ctx context.Context, route Route, rec *Record) (Outcome, error) {
	for !rec.State.Terminal() {
		var (
			step Step
			err  error
		)
		switch rec.State {
		case StateCreated:
			step, err = StepInitiate, c.initiate(ctx, route, rec)
		case StateInitiated:
			step, err = StepConfirmation, c.confirm(ctx, route, rec)
		case StateConfirmed:
			step, err = StepBuildProof, c.prove(ctx, route, rec)
		case StateProven:
			step, err = StepSubmit, c.submit(ctx, route, rec)
		default:
			return Outcome{}, fmt.Errorf("transfer %s in unexpected state %s", rec.Transfer.ID, rec.State)
		}
		if err != nil {
			return c.fail(ctx, route, rec, step, err)
		}
	}
	return c.result(rec)
}

func (c *Coordinator) initiate(ctx context.Context, route Route, rec *Record) error {
	t := rec.Transfer
	if t.SourceTxID != "" {
		log.Info().Str("transfer", t.ID).Str("tx", string(t.SourceTxID)).
			Msg("using already submitted source transaction")
		return c.transition(ctx, rec, StateInitiated)
	}
	if rec.InitiateAttempted {
		return fmt.Errorf("%w: a previous run may have broadcast the locking transaction, relay it by its source tx id",
			ErrInitiationUnknown)
	}
	rec.InitiateAttempted = true
	if err := c.save(rec); err != nil {
		return err
	}

	var txID TxID
	err := c.retryStep(ctx, route.Direction, StepInitiate, func() error {
		var err error
		txID, err = route.Initiator.Initiate(ctx, t)
		return err
	})
	if err != nil {
		if IsRetryable(err) {
			// transient initiator errors guarantee nothing was broadcast
			rec.InitiateAttempted = false
		}
		return err
	}
	rec.Transfer.SourceTxID = txID
	return c.transition(ctx, rec, StateInitiated)
}

func (c *Coordinator) confirm(ctx context.Context, route Route, rec *Record) error {
	confirmed, err := c.awaitConfirmation(ctx, route, rec.Transfer.SourceTxID)
	if err != nil {
		return err
	}
	rec.Confirmed = &confirmed
	return c.transition(ctx, rec, StateConfirmed)
}

func (c *Coordinator) prove(ctx context.Context, route Route, rec *Record) error {
	if rec.Confirmed == nil {
		return fmt.Errorf("transfer %s is %s without a confirmed transaction", rec.Transfer.ID, rec.State)
	}
	proof, err := c.buildProof(ctx, route, *rec.Confirmed)
	if err != nil {
		return err
	}
	if rec.Transfer.Amount == nil {
		rec.Transfer.Amount = proof.Payload.Amount
		rec.Transfer.Fee = proof.Payload.Fee
		rec.Transfer.Recipient = proof.Payload.Recipient
	} else if !proof.Payload.Matches(rec.Transfer) {
		return fmt.Errorf("%w: proven amount %s fee %s recipient %x", ErrPayloadMismatch,
			proof.Payload.Amount, proof.Payload.Fee, []byte(proof.Payload.Recipient))
	}
	rec.Proof = proof
	return c.transition(ctx, rec, StateProven)
}

func (c *Coordinator) submit(ctx context.Context, route Route, rec *Record) error {
	if rec.Proof == nil {
		return fmt.Errorf("transfer %s is %s without a proof", rec.Transfer.ID, rec.State)
	}
	outcome, err := c.finalize(ctx, route, rec.Proof)
	if err != nil {
		return err
	}
	rec.Outcome = &outcome
	if outcome.Status == Rejected {
		return fmt.Errorf("%w: %s", ErrRejected, outcome.Reason)
	}
	if err := c.transition(ctx, rec, StateFinalized); err != nil {
		return err
	}
	c.metrics.Outcome(ctx, route.Direction.String(), outcome.Status.String())
	return nil
}

func (c *Coordinator) awaitConfirmation(ctx context.Context, route Route, txID TxID) (ConfirmedTransaction, error) {
	var confirmed ConfirmedTransaction
	err := c.retryStep(ctx, route.Direction, StepConfirmation, func() error {
		var err error
		confirmed, err = route.Tracker.AwaitConfirmation(ctx, txID, route.RequiredConfirmations)
		return err
	})
	if err != nil {
		return ConfirmedTransaction{}, err
	}
	if confirmed.ConfirmationDepth < route.RequiredConfirmations {
		return ConfirmedTransaction{}, fmt.Errorf("confirmation depth %d is below required %d",
			confirmed.ConfirmationDepth, route.RequiredConfirmations)
	}
	return confirmed, nil
}

func (c *Coordinator) buildProof(ctx context.Context, route Route, confirmed ConfirmedTransaction) (*Proof, error) {
	var proof *Proof
	err := c.retryStep(ctx, route.Direction, StepBuildProof, func() error {
		p, err := route.Builder.BuildProof(ctx, confirmed)
		if err != nil {
			return err
		}
		proof = p
		return nil
	})
	return proof, err
}

// finalize short-circuits on an existing finalization record before paying for a
// submission. The pre-check runs again on every retry, so a retry after a lost
// acknowledgement ends as AlreadyFinalized.
func (c *Coordinator) finalize(ctx context.Context, route Route, proof *Proof) (Outcome, error) {
	var outcome Outcome
	err := c.retryStep(ctx, route.Direction, StepSubmit, func() error {
		done, err := route.Submitter.IsFinalized(ctx, proof)
		if err != nil {
			return err
		}
		if done {
			outcome = Outcome{Status: AlreadyFinalized}
			return nil
		}
		outcome, err = route.Submitter.Submit(ctx, proof)
		return err
	})
	return outcome, err
}

func (c *Coordinator) retryStep(ctx context.Context, d Direction, step Step, op func() error) error {
	start := time.Now()
	defer func() {
		c.metrics.ObserveStep(d.String(), string(step), time.Since(start))
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retry.InitialInterval
	b.MaxInterval = c.retry.MaxInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.retry.MaxRetries), ctx)

	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, next time.Duration) {
		c.metrics.Retry(d.String(), string(step))
		log.Warn().Err(err).Str("direction", d.String()).Str("step", string(step)).
			Dur("retry_in", next).Msg("step failed, retrying")
	})
}

func (c *Coordinator) transition(ctx context.Context, rec *Record, to State) error {
	from := rec.State
	if err := rec.advance(to, c.now()); err != nil {
		return err
	}
	rec.LastError = ""
	if err := c.store.Put(rec); err != nil {
		rec.State = from
		return fmt.Errorf("%w: %w", errPersist, err)
	}
	c.metrics.Transition(rec.Transfer.Direction.String(), from.String(), to.String())
	log.Info().Str("transfer", rec.Transfer.ID).Str("tx", string(rec.Transfer.SourceTxID)).
		Str("from", from.String()).Str("to", to.String()).Msg("transfer state changed")
	return nil
}

func (c *Coordinator) save(rec *Record) error {
	rec.UpdatedAt = c.now()
	if err := c.store.Put(rec); err != nil {
		return fmt.Errorf("%w: %w", errPersist, err)
	}
	return nil
}

// fail records err on the transfer. Retryable, cancelled, persistence and proof
// construction failures leave the record resumable; anything else moves it to
// FAILED.
func (c *Coordinator) fail(ctx context.Context, route Route, rec *Record, step Step, err error) (Outcome, error) {
	if errors.Is(err, errPersist) {
		step = StepPersist
	}
	stepErr := &StepError{TransferID: rec.Transfer.ID, TxID: rec.Transfer.SourceTxID, Step: step, Err: err}
	rec.LastError = err.Error()

	if errors.Is(err, ErrProofConstruction) {
		// the source transaction is final, so the transfer stays resumable once a
		// data source that can serve the proof is configured
		if perr := c.save(rec); perr != nil {
			log.Error().Err(perr).Str("transfer", rec.Transfer.ID).Msg("failed to record error")
		}
		log.Error().Err(err).Str("transfer", rec.Transfer.ID).Str("tx", string(rec.Transfer.SourceTxID)).
			Msg("no data source could build the proof")
		return Outcome{}, stepErr
	}
	if IsRetryable(err) || ctx.Err() != nil || errors.Is(err, errPersist) || errors.Is(err, ErrInitiationUnknown) {
		if perr := c.save(rec); perr != nil {
			log.Error().Err(perr).Str("transfer", rec.Transfer.ID).Msg("failed to record error")
		}
		log.Warn().Err(err).Str("transfer", rec.Transfer.ID).Str("step", string(step)).
			Str("state", rec.State.String()).Msg("transfer paused, resume later")
		return Outcome{}, stepErr
	}

	from := rec.State
	if aerr := rec.advance(StateFailed, c.now()); aerr != nil {
		return Outcome{}, errors.Join(stepErr, aerr)
	}
	if perr := c.store.Put(rec); perr != nil {
		return Outcome{}, errors.Join(stepErr, perr)
	}
	c.metrics.Transition(route.Direction.String(), from.String(), StateFailed.String())

	outcome := Outcome{}
	status := "failed"
	if rec.Outcome != nil {
		outcome = *rec.Outcome
		status = outcome.Status.String()
	}
	c.metrics.Outcome(ctx, route.Direction.String(), status)
	log.Error().Err(err).Str("transfer", rec.Transfer.ID).Str("tx", string(rec.Transfer.SourceTxID)).
		Str("step", string(step)).Msg("transfer failed")
	return outcome, stepErr
}

func (c *Coordinator) result(rec *Record) (Outcome, error) {
	outcome := Outcome{}
	if rec.Outcome != nil {
		outcome = *rec.Outcome
	}
	if rec.State == StateFinalized {
		return outcome, nil
	}
	cause := errors.New(rec.LastError)
	if outcome.Status == Rejected {
		cause = fmt.Errorf("%w: %s", ErrRejected, outcome.Reason)
	}
	return outcome, &StepError{
		TransferID: rec.Transfer.ID,
		TxID:       rec.Transfer.SourceTxID,
		Step:       "transfer",
		Err:        fmt.Errorf("previously failed: %w", cause),
	}
}

func sameRequest(stored, t Transfer) bool {
	if stored.Direction != t.Direction {
		return false
	}
	if t.SourceTxID != "" && stored.SourceTxID != "" && stored.SourceTxID != t.SourceTxID {
		return false
	}
	return Payload{Recipient: stored.Recipient, Amount: stored.Amount, Fee: stored.Fee}.Matches(t)
}
