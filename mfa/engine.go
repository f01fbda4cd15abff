package mfa

import (
	"context"
	"errors"
	"time"

	"github.com/halcyonsec/authcore/internal"
)

var (
	// ErrNotEnabled is returned when validation is attempted against a user
	// whose MFA is not in the enabled state. Callers must surface it
	// distinctly from an invalid code.
	ErrNotEnabled = errors.New("mfa not enabled")
	// ErrNotEnrolled is returned when enable is attempted without a prior
	// setup.
	ErrNotEnrolled = errors.New("mfa not enrolled")
	// ErrAlreadyEnabled is returned when setup or enable hits an enabled
	// enrollment.
	ErrAlreadyEnabled = errors.New("mfa already enabled")
	// ErrInvalidCode is returned for codes that match neither the TOTP
	// window nor an unused backup code.
	ErrInvalidCode = errors.New("invalid mfa code")
)

// Method names which factor satisfied a validation.
type Method string

const (
	MethodTOTP   Method = "totp"
	MethodBackup Method = "backup_code"
)

// Config tunes the engine.
type Config struct {
	TOTP             TOTPConfig
	BackupCodeCount  int
	BackupCodeLength int
}

// Provision is the one-time response to a setup call. The plaintext secret
// and backup codes appear here and nowhere else.
type Provision struct {
	Secret      string
	URI         string
	BackupCodes []string
}

// Status is a read-only snapshot of a user's enrollment.
type Status struct {
	State             State
	EnrolledAt        int64
	BackupCodesUnused int
}

// Engine drives the per-user MFA state machine:
//
//	disabled -> pending_setup -> enabled -> disabled
//
// Secrets are sealed with the configured cipher before storage; backup codes
// are stored only as salted hashes and consumed atomically.
type Engine struct {
	store  *Store
	totp   *TOTP
	cipher Cipher
	config Config
}

func NewEngine(store *Store, cipher Cipher, cfg Config) *Engine {
	if cfg.BackupCodeCount <= 0 {
		cfg.BackupCodeCount = 10
	}
	if cfg.BackupCodeLength <= 0 {
		cfg.BackupCodeLength = 10
	}
	return &Engine{
		store:  store,
		totp:   NewTOTP(cfg.TOTP),
		cipher: cipher,
		config: cfg,
	}
}

// Setup starts (or restarts) enrollment. Calling it again from pending_setup
// reissues fresh material; calling it from enabled fails with
// ErrAlreadyEnabled.
func (e *Engine) Setup(ctx context.Context, userID, account string) (*Provision, error) {
	enrollment, err := e.store.GetEnrollment(ctx, userID)
	if err != nil {
		return nil, err
	}
	if enrollment.State == StateEnabled {
		return nil, ErrAlreadyEnabled
	}

	raw, secretBase32, err := e.totp.GenerateSecret()
	if err != nil {
		return nil, err
	}
	sealed, err := e.cipher.Seal(raw)
	if err != nil {
		return nil, err
	}
	if err := e.store.SavePending(ctx, userID, sealed); err != nil {
		if errors.Is(err, ErrStateConflict) {
			return nil, ErrAlreadyEnabled
		}
		return nil, err
	}

	codes, err := e.issueBackupCodes(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &Provision{
		Secret:      secretBase32,
		URI:         e.totp.ProvisionURI(secretBase32, account),
		BackupCodes: codes,
	}, nil
}

// Enable completes enrollment by proving possession of the provisioned
// secret with a current TOTP code.
func (e *Engine) Enable(ctx context.Context, userID, code string) error {
	enrollment, err := e.store.GetEnrollment(ctx, userID)
	if err != nil {
		return err
	}
	switch enrollment.State {
	case StateEnabled:
		return ErrAlreadyEnabled
	case StateDisabled:
		return ErrNotEnrolled
	}

	counter, err := e.verifyTOTP(enrollment, code)
	if err != nil {
		return err
	}

	if err := e.store.Enable(ctx, userID, counter, time.Now()); err != nil {
		if errors.Is(err, ErrStateConflict) {
			return ErrNotEnrolled
		}
		return err
	}
	return nil
}

// Validate accepts either a current TOTP code or an unused backup code.
// Backup codes are single use: consumption is atomic and a consumed code
// never validates again. Users not in the enabled state get ErrNotEnabled.
func (e *Engine) Validate(ctx context.Context, userID, code string) (Method, error) {
	enrollment, err := e.store.GetEnrollment(ctx, userID)
	if err != nil {
		return "", err
	}
	if enrollment.State != StateEnabled {
		return "", ErrNotEnabled
	}

	counter, totpErr := e.verifyTOTP(enrollment, code)
	if totpErr == nil {
		if err := e.store.SetLastCounter(ctx, userID, counter); err != nil {
			return "", err
		}
		return MethodTOTP, nil
	}
	if !errors.Is(totpErr, ErrInvalidCode) {
		return "", totpErr
	}

	hash := internal.HashBackupCode(userID, internal.CanonicalizeBackupCode(code))
	consumed, err := e.store.ConsumeBackupCode(ctx, userID, hash)
	if err != nil {
		return "", err
	}
	if !consumed {
		return "", ErrInvalidCode
	}
	return MethodBackup, nil
}

// Disable tears down an enabled enrollment after proof via either factor.
func (e *Engine) Disable(ctx context.Context, userID, code string) error {
	if _, err := e.Validate(ctx, userID, code); err != nil {
		return err
	}
	return e.store.Disable(ctx, userID)
}

// Regenerate replaces the whole backup-code set after TOTP proof. Old codes
// stop validating the moment the swap lands.
func (e *Engine) Regenerate(ctx context.Context, userID, code string) ([]string, error) {
	enrollment, err := e.store.GetEnrollment(ctx, userID)
	if err != nil {
		return nil, err
	}
	if enrollment.State != StateEnabled {
		return nil, ErrNotEnabled
	}

	counter, err := e.verifyTOTP(enrollment, code)
	if err != nil {
		return nil, err
	}
	if err := e.store.SetLastCounter(ctx, userID, counter); err != nil {
		return nil, err
	}

	return e.issueBackupCodes(ctx, userID)
}

// Status reports the user's enrollment state without touching secrets.
func (e *Engine) Status(ctx context.Context, userID string) (*Status, error) {
	enrollment, err := e.store.GetEnrollment(ctx, userID)
	if err != nil {
		return nil, err
	}
	remaining := 0
	if enrollment.State == StateEnabled {
		remaining, err = e.store.BackupCodesRemaining(ctx, userID)
		if err != nil {
			return nil, err
		}
	}
	return &Status{
		State:             enrollment.State,
		EnrolledAt:        enrollment.EnrolledAt,
		BackupCodesUnused: remaining,
	}, nil
}

func (e *Engine) verifyTOTP(enrollment *Enrollment, code string) (int64, error) {
	secret, err := e.cipher.Open(enrollment.SealedSecret)
	if err != nil {
		return 0, err
	}

	ok, counter, err := e.totp.VerifyCode(secret, code, time.Now())
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrInvalidCode
	}
	// Reject replays of an already-accepted step.
	if counter <= enrollment.LastCounter {
		return 0, ErrInvalidCode
	}
	return counter, nil
}

func (e *Engine) issueBackupCodes(ctx context.Context, userID string) ([]string, error) {
	codes := make([]string, 0, e.config.BackupCodeCount)
	hashes := make([][32]byte, 0, e.config.BackupCodeCount)

	for i := 0; i < e.config.BackupCodeCount; i++ {
		code, err := internal.NewBackupCode(e.config.BackupCodeLength)
		if err != nil {
			return nil, err
		}
		codes = append(codes, internal.FormatBackupCode(code))
		hashes = append(hashes, internal.HashBackupCode(userID, code))
	}

	if err := e.store.ReplaceBackupCodes(ctx, userID, hashes); err != nil {
		return nil, err
	}
	return codes, nil
}
