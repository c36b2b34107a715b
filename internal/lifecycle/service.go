// Package lifecycle creates, reveals, burns and expires one-time secrets.
//
// Every destructive path funnels into a single atomic store operation
// (GetAndDelete for reveal, MarkDeleted for burn and expiry), so a secret's
// content is handed out at most once no matter how many callers race.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"oneshot.link/internal/crypto"
	"oneshot.link/internal/logger"
	"oneshot.link/internal/models"
	"oneshot.link/internal/passphrase"
	"oneshot.link/internal/receipt"
	"oneshot.link/internal/store"
)

// idAttempts bounds retries after an identifier collision.
const idAttempts = 3

type Options struct {
	DefaultTTL       time.Duration
	MinTTL           time.Duration
	MaxTTL           time.Duration
	MaxContentSize   int
	OperationTimeout time.Duration
	GeneratedLength  int
}

func DefaultOptions() Options {
	return Options{
		DefaultTTL:       time.Hour,
		MinTTL:           time.Minute,
		MaxTTL:           14 * 24 * time.Hour,
		MaxContentSize:   64 * 1024,
		OperationTimeout: 3 * time.Second,
		GeneratedLength:  16,
	}
}

type Partitions interface {
	For(scope models.Scope) (store.Records, error)
}

type Resolver interface {
	Resolve(host string) models.Scope
}

type Gate interface {
	Hash(passphrase string) (string, error)
	Verify(ctx context.Context, secretID, submitted, storedHash string) (passphrase.Result, error)
}

type Service struct {
	partitions Partitions
	resolver   Resolver
	gate       Gate
	receipts   *receipt.Tracker
	sealer     *crypto.Sealer
	opts       Options
	now        func() time.Time
	logger     *logger.Logger
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func New(
	partitions Partitions,
	resolver Resolver,
	gate Gate,
	receipts *receipt.Tracker,
	sealer *crypto.Sealer,
	opts Options,
	log *logger.Logger,
	options ...Option,
) *Service {
	s := &Service{
		partitions: partitions,
		resolver:   resolver,
		gate:       gate,
		receipts:   receipts,
		sealer:     sealer,
		opts:       opts,
		now:        time.Now,
		logger:     log,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

type CreateRequest struct {
	Content    string
	TTL        time.Duration // 0 selects the default TTL
	Passphrase string
	OwnerID    string
	Host       string
}

type Created struct {
	SecretID      string
	ReceiptID     string
	Partition     models.Scope
	HasPassphrase bool
	ExpiresAt     time.Time
}

// Create stores a new secret in the partition resolved from the request
// host, together with its pending receipt.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Created, error) {
	ttl, err := s.validate(req)
	if err != nil {
		return Created{}, err
	}

	scope := s.resolver.Resolve(req.Host)
	records, err := s.partitions.For(scope)
	if err != nil {
		return Created{}, unavailable("resolving partition", err)
	}

	var hash string
	if req.Passphrase != "" {
		if hash, err = s.gate.Hash(req.Passphrase); err != nil {
			return Created{}, fmt.Errorf("hashing passphrase: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	now := s.now()
	secret := &models.Secret{
		Partition:      string(scope),
		PassphraseHash: hash,
		TTL:            ttl,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}

	if err := s.putSecret(ctx, records, secret, []byte(req.Content)); err != nil {
		return Created{}, err
	}

	r := &models.Receipt{
		ID:            secret.ReceiptID,
		SecretID:      secret.ID,
		Partition:     secret.Partition,
		OwnerID:       req.OwnerID,
		State:         models.StatePending,
		HasPassphrase: secret.HasPassphrase(),
		CreatedAt:     secret.CreatedAt,
		ExpiresAt:     secret.ExpiresAt,
	}
	if err := s.receipts.RecordCreated(ctx, r); err != nil {
		if rbErr := records.MarkDeleted(ctx, store.SecretKey(secret.ID)); rbErr != nil {
			s.logger.Err(rbErr).
				Str("secret_id", models.RedactID(secret.ID)).
				Msg("failed to roll back secret after receipt error")
		}
		return Created{}, unavailable("storing receipt", err)
	}

	s.logger.Info().
		Str("partition", secret.Partition).
		Str("secret_id", models.RedactID(secret.ID)).
		Dur("ttl", ttl).
		Bool("passphrase", secret.HasPassphrase()).
		Msg("secret created")

	return Created{
		SecretID:      secret.ID,
		ReceiptID:     r.ID,
		Partition:     scope,
		HasPassphrase: secret.HasPassphrase(),
		ExpiresAt:     secret.ExpiresAt,
	}, nil
}

// putSecret assigns fresh identifiers, seals the content and stores the
// record, retrying on identifier collisions.
func (s *Service) putSecret(ctx context.Context, records store.Records, secret *models.Secret, content []byte) error {
	scope := models.Scope(secret.Partition)

	for range idAttempts {
		secret.ID = models.JoinID(scope, crypto.GenerateToken())
		secret.ReceiptID = models.JoinID(scope, crypto.GenerateToken())

		ciphertext, err := s.sealer.Seal(secret.ID, content)
		if err != nil {
			return fmt.Errorf("sealing content: %w", err)
		}
		secret.Ciphertext = ciphertext

		data, err := models.EncodeSecret(secret)
		if err != nil {
			return fmt.Errorf("encoding secret: %w", err)
		}

		err = records.Put(ctx, store.SecretKey(secret.ID), data, secret.TTL)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, store.ErrKeyExists):
			s.logger.Warn().Str("partition", secret.Partition).Msg("secret identifier collision, retrying")
			continue
		default:
			return unavailable("storing secret", err)
		}
	}
	return unavailable("storing secret", store.ErrKeyExists)
}

type GenerateRequest struct {
	Length     int // 0 selects the configured default
	TTL        time.Duration
	Passphrase string
	OwnerID    string
	Host       string
}

// Generate creates a secret holding a random password and returns the
// password to the creator.
func (s *Service) Generate(ctx context.Context, req GenerateRequest) (Created, string, error) {
	length := req.Length
	if length == 0 {
		length = s.opts.GeneratedLength
	}
	if length < 8 || length > 128 {
		return Created{}, "", invalidInput("length must be between 8 and 128")
	}

	value, err := crypto.GeneratePassword(length)
	if err != nil {
		return Created{}, "", err
	}

	created, err := s.Create(ctx, CreateRequest{
		Content:    value,
		TTL:        req.TTL,
		Passphrase: req.Passphrase,
		OwnerID:    req.OwnerID,
		Host:       req.Host,
	})
	if err != nil {
		return Created{}, "", err
	}
	return created, value, nil
}

// Reveal returns the content of a secret and destroys it. A wrong or
// missing passphrase never consumes the secret.
func (s *Service) Reveal(ctx context.Context, secretID, pass string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	records, secret, err := s.peek(ctx, secretID)
	if err != nil {
		return "", err
	}

	if secret.HasPassphrase() {
		if pass == "" {
			return "", ErrPassphraseRequired
		}

		res, err := s.gate.Verify(ctx, secret.ID, pass, secret.PassphraseHash)
		if err != nil {
			if errors.Is(err, crypto.ErrMalformedHash) {
				return "", err
			}
			return "", unavailable("verifying passphrase", err)
		}
		switch res {
		case passphrase.Locked:
			return "", ErrLocked
		case passphrase.Invalid:
			return "", ErrPassphraseInvalid
		}
	}

	data, err := records.GetAndDelete(ctx, store.SecretKey(secretID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// another caller consumed it since the peek
			if secret.HasPassphrase() {
				return "", ErrAlreadyConsumed
			}
			return "", ErrNotFound
		}
		return "", unavailable("consuming secret", err)
	}

	consumed, err := models.DecodeSecret(data)
	if err != nil {
		return "", fmt.Errorf("decoding secret: %w", err)
	}

	content, err := s.sealer.Open(consumed.ID, consumed.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("opening secret: %w", err)
	}

	s.notify(ctx, consumed.ReceiptID, s.receipts.RecordViewed)

	s.logger.Info().
		Str("partition", consumed.Partition).
		Str("secret_id", models.RedactID(consumed.ID)).
		Msg("secret revealed")
	return string(content), nil
}

type SecretStatus struct {
	Partition          models.Scope
	PassphraseRequired bool
	ExpiresAt          time.Time
}

// Status reports whether a secret can still be revealed, without consuming
// it.
func (s *Service) Status(ctx context.Context, secretID string) (SecretStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	_, secret, err := s.peek(ctx, secretID)
	if err != nil {
		return SecretStatus{}, err
	}
	return SecretStatus{
		Partition:          models.Scope(secret.Partition),
		PassphraseRequired: secret.HasPassphrase(),
		ExpiresAt:          secret.ExpiresAt,
	}, nil
}

type BurnOutcome int

const (
	Burned BurnOutcome = iota + 1
	AlreadyConsumed
)

func (o BurnOutcome) String() string {
	switch o {
	case Burned:
		return "burned"
	case AlreadyConsumed:
		return "already_consumed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Burn destroys the secret behind a receipt. Burning twice, or burning a
// secret that was already viewed or expired, reports AlreadyConsumed.
func (s *Service) Burn(ctx context.Context, receiptID string) (BurnOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	r, err := s.Receipt(ctx, receiptID)
	if err != nil {
		return 0, err
	}

	records, err := s.partitions.For(models.Scope(r.Partition))
	if err != nil {
		return 0, unavailable("resolving partition", err)
	}

	err = records.MarkDeleted(ctx, store.SecretKey(r.SecretID))
	switch {
	case err == nil:
		s.notify(ctx, r.ID, s.receipts.RecordBurned)
		s.logger.Info().
			Str("partition", r.Partition).
			Str("receipt_id", models.RedactID(r.ID)).
			Msg("secret burned")
		return Burned, nil
	case errors.Is(err, store.ErrNotFound):
		if r.Lapsed(s.now()) {
			s.notify(ctx, r.ID, func(ctx context.Context, id string, _ time.Time) (*models.Receipt, error) {
				return s.receipts.RecordExpired(ctx, id, r.ExpiresAt)
			})
		}
		return AlreadyConsumed, nil
	default:
		return 0, unavailable("burning secret", err)
	}
}

// Receipt returns the owner-facing record for receiptID.
func (s *Service) Receipt(ctx context.Context, receiptID string) (*models.Receipt, error) {
	r, err := s.receipts.Get(ctx, receiptID)
	if err != nil {
		if errors.Is(err, receipt.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, unavailable("reading receipt", err)
	}
	return r, nil
}

func (s *Service) ReceiptsByOwner(ctx context.Context, ownerID string) ([]*models.Receipt, error) {
	if ownerID == "" {
		return nil, invalidInput("owner is required")
	}

	receipts, err := s.receipts.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, unavailable("listing receipts", err)
	}
	return receipts, nil
}

// peek loads a live secret without consuming it. A record the store has
// not evicted yet but whose TTL has passed is destroyed and reported as
// not found.
func (s *Service) peek(ctx context.Context, secretID string) (store.Records, *models.Secret, error) {
	scope, _, err := models.SplitID(secretID)
	if err != nil {
		return nil, nil, ErrNotFound
	}

	records, err := s.partitions.For(scope)
	if err != nil {
		if errors.Is(err, store.ErrUnknownPartition) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, unavailable("resolving partition", err)
	}

	data, err := records.Get(ctx, store.SecretKey(secretID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, unavailable("reading secret", err)
	}

	secret, err := models.DecodeSecret(data)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding secret: %w", err)
	}

	if secret.Expired(s.now()) {
		if err := records.MarkDeleted(ctx, store.SecretKey(secretID)); err == nil {
			s.notify(ctx, secret.ReceiptID, func(ctx context.Context, id string, _ time.Time) (*models.Receipt, error) {
				return s.receipts.RecordExpired(ctx, id, secret.ExpiresAt)
			})
		}
		return nil, nil, ErrNotFound
	}
	return records, secret, nil
}

// notify updates a receipt after the secret changed. Failures are logged,
// not returned: the secret's transition already happened.
func (s *Service) notify(ctx context.Context, receiptID string, record func(context.Context, string, time.Time) (*models.Receipt, error)) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.OperationTimeout)
	defer cancel()

	if _, err := record(ctx, receiptID, s.now()); err != nil {
		s.logger.Err(err).
			Str("receipt_id", models.RedactID(receiptID)).
			Msg("failed to update receipt")
	}
}

// TTLFromSeconds converts a client supplied TTL. Zero selects the default
// TTL; negative values and values that do not fit a time.Duration are
// rejected as invalid input.
func TTLFromSeconds(n int64) (time.Duration, error) {
	if n < 0 || n > math.MaxInt64/int64(time.Second) {
		return 0, invalidInput("ttl_seconds out of range")
	}
	return time.Duration(n) * time.Second, nil
}

func (s *Service) validate(req CreateRequest) (time.Duration, error) {
	if req.Content == "" {
		return 0, invalidInput("content is required")
	}
	if len(req.Content) > s.opts.MaxContentSize {
		return 0, invalidInput("content exceeds %d bytes", s.opts.MaxContentSize)
	}

	ttl := req.TTL
	if ttl == 0 {
		ttl = s.opts.DefaultTTL
	}
	if ttl < s.opts.MinTTL || ttl > s.opts.MaxTTL {
		return 0, invalidInput("ttl must be between %s and %s", s.opts.MinTTL, s.opts.MaxTTL)
	}
	return ttl, nil
}
