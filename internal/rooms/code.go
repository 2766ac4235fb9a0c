package rooms

import (
	"context"
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/npezzotti/gochat-rooms/internal/database"
	"github.com/rs/zerolog"
)

const (
	// CodeAlphabet leaves out characters that are easy to misread: 0/O, 1/I/L.
	CodeAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"
	CodeLength   = 6

	DefaultCodeAttempts = 10
)

// CodeGenerator mints room codes that are not in use by any existing room at
// the time of the check. The check is only a fast path: two generators can
// still hand out the same code concurrently, and the store's unique
// constraint settles that race at insert time.
type CodeGenerator struct {
	db          database.Querier
	log         zerolog.Logger
	maxAttempts int
	// random draws one candidate; replaced in tests
	random func() (string, error)
}

func NewCodeGenerator(db database.Querier, logger zerolog.Logger, maxAttempts int) *CodeGenerator {
	if maxAttempts <= 0 {
		maxAttempts = DefaultCodeAttempts
	}

	return &CodeGenerator{
		db:          db,
		log:         logger.With().Str("component", "code-generator").Logger(),
		maxAttempts: maxAttempts,
		random:      randomCode,
	}
}

func (g *CodeGenerator) Generate(ctx context.Context) (string, error) {
	const op = "generate code"

	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		code, free, err := g.candidate(ctx, op)
		if err != nil {
			return "", err
		}
		if free {
			return code, nil
		}

		g.log.Debug().Int("attempt", attempt).Msg("room code collision")
	}

	g.log.Error().Int("attempts", g.maxAttempts).Msg("room code space exhausted")
	return "", newError(op, KindExhausted, "no free room code found")
}

// candidate draws one code and reports whether no room holds it yet.
func (g *CodeGenerator) candidate(ctx context.Context, op string) (string, bool, error) {
	code, err := g.random()
	if err != nil {
		return "", false, &Error{Op: op, Kind: KindUnavailable, Err: err}
	}

	exists, err := g.db.RoomCodeExists(ctx, code)
	if err != nil {
		return "", false, storeError(ctx, op, err)
	}

	return code, !exists, nil
}

func randomCode() (string, error) {
	max := big.NewInt(int64(len(CodeAlphabet)))

	var b strings.Builder
	b.Grow(CodeLength)
	for range CodeLength {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(CodeAlphabet[n.Int64()])
	}

	return b.String(), nil
}

// NormalizeCode trims and upper-cases a code typed by a user.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidCode reports whether code has the right length and alphabet.
func ValidCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if !strings.ContainsRune(CodeAlphabet, rune(code[i])) {
			return false
		}
	}
	return true
}
