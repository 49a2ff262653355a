// Package siwe renders and reads the sign-in challenge a wallet signs off-chain.
package siwe

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/layer-3/walletauth/core"
)

// TimeLayout is the issued-at format: RFC3339 in UTC with millisecond precision
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

const (
	headerSuffix    = " wants you to sign in with your Ethereum account:"
	uriPrefix       = "URI: "
	versionPrefix   = "Version: "
	chainIDPrefix   = "Chain ID: "
	noncePrefix     = "Nonce: "
	issuedAtPrefix  = "Issued At: "
	requestIDPrefix = "Request ID: "
)

// Template holds the platform-contractual parts of the message
type Template struct {
	Domain    string // Origin line, e.g. "forestmarket.net"
	Statement string // Disclaimer paragraph
	URI       string
	Version   string
	ChainID   int64
	RequestID string
}

// Fields are the values recovered from a composed message
type Fields struct {
	Template
	Address  string
	Nonce    string
	IssuedAt time.Time
}

// Composer renders challenge messages from a fixed template
type Composer struct {
	tmpl Template
}

// NewComposer creates a composer for the given template
func NewComposer(tmpl Template) (*Composer, error) {
	if tmpl.Domain == "" || tmpl.URI == "" || tmpl.RequestID == "" {
		return nil, fmt.Errorf("domain, uri and request id are required")
	}
	if strings.Contains(tmpl.Statement, "\n") {
		return nil, fmt.Errorf("statement must be a single line")
	}
	if tmpl.Version == "" {
		tmpl.Version = "1"
	}
	if tmpl.ChainID == 0 {
		tmpl.ChainID = 1
	}
	return &Composer{tmpl: tmpl}, nil
}

// Template returns the composer's template
func (c *Composer) Template() Template {
	return c.tmpl
}

// Compose renders the message. It has no side effects: equal inputs give equal bytes.
func (c *Composer) Compose(address, nonce string, issuedAt time.Time) string {
	var b strings.Builder
	b.WriteString(c.tmpl.Domain + headerSuffix + "\n")
	b.WriteString(address + "\n")
	b.WriteString("\n")
	if c.tmpl.Statement != "" {
		b.WriteString(c.tmpl.Statement + "\n")
		b.WriteString("\n")
	}
	b.WriteString(uriPrefix + c.tmpl.URI + "\n")
	b.WriteString(versionPrefix + c.tmpl.Version + "\n")
	b.WriteString(chainIDPrefix + strconv.FormatInt(c.tmpl.ChainID, 10) + "\n")
	b.WriteString(noncePrefix + nonce + "\n")
	b.WriteString(issuedAtPrefix + issuedAt.UTC().Format(TimeLayout) + "\n")
	b.WriteString(requestIDPrefix + c.tmpl.RequestID)
	return b.String()
}

// Parse reads a message produced by Compose
func Parse(message string) (*Fields, error) {
	lines := strings.Split(message, "\n")
	if len(lines) < 9 {
		return nil, fmt.Errorf("message too short: %d lines", len(lines))
	}

	f := &Fields{}
	domain, ok := strings.CutSuffix(lines[0], headerSuffix)
	if !ok || domain == "" {
		return nil, fmt.Errorf("missing origin line")
	}
	f.Domain = domain

	if !common.IsHexAddress(lines[1]) {
		return nil, fmt.Errorf("line 2: %w", core.ErrInvalidAddress)
	}
	f.Address = lines[1]

	if lines[2] != "" {
		return nil, fmt.Errorf("line 3 must be empty")
	}

	rest := lines[3:]
	if !strings.HasPrefix(rest[0], uriPrefix) {
		if len(rest) < 2 || rest[1] != "" {
			return nil, fmt.Errorf("statement must be followed by an empty line")
		}
		f.Statement = rest[0]
		rest = rest[2:]
	}
	if len(rest) != 6 {
		return nil, fmt.Errorf("expected 6 trailing fields, got %d", len(rest))
	}

	var err error
	values := make([]string, len(rest))
	for i, prefix := range []string{uriPrefix, versionPrefix, chainIDPrefix, noncePrefix, issuedAtPrefix, requestIDPrefix} {
		v, ok := strings.CutPrefix(rest[i], prefix)
		if !ok {
			return nil, fmt.Errorf("expected %q field", strings.TrimSuffix(prefix, ": "))
		}
		values[i] = v
	}

	f.URI = values[0]
	f.Version = values[1]
	if f.ChainID, err = strconv.ParseInt(values[2], 10, 64); err != nil {
		return nil, fmt.Errorf("invalid chain id: %w", err)
	}
	f.Nonce = values[3]
	if f.IssuedAt, err = time.Parse(time.RFC3339Nano, values[4]); err != nil {
		return nil, fmt.Errorf("invalid issued at: %w", err)
	}
	f.RequestID = values[5]

	return f, nil
}
