package service

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// TicketCodeGenerator produces human friendly complaint codes of the form
// CMP-<base36 unix millis>-<4 hex>. Codes are not guaranteed unique; the store
// rejects duplicates and the caller asks for another.
type TicketCodeGenerator struct {
	prefix  string
	now     func() time.Time
	entropy io.Reader
}

// NewTicketCodeGenerator returns a generator using the wall clock and crypto/rand.
func NewTicketCodeGenerator() *TicketCodeGenerator {
	return &TicketCodeGenerator{prefix: "CMP", now: time.Now, entropy: rand.Reader}
}

// Next returns a new ticket code.
func (g *TicketCodeGenerator) Next() (string, error) {
	buf := make([]byte, 2)
	if _, err := io.ReadFull(g.entropy, buf); err != nil {
		return "", fmt.Errorf("read ticket entropy: %w", err)
	}
	stamp := strconv.FormatInt(g.now().UTC().UnixMilli(), 36)
	return fmt.Sprintf("%s-%s-%s", g.prefix, strings.ToUpper(stamp), strings.ToUpper(hex.EncodeToString(buf))), nil
}
