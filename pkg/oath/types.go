// Package oath implements the OATH application: storing HOTP and TOTP
// credentials, access code protection and code calculation.
package oath

import (
	"encoding/base32"
	"errors"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	pquerna "github.com/pquerna/otp"
)

// DefaultPeriod is the TOTP period assumed when a credential id does not
// carry one.
const DefaultPeriod = 30

// OathType distinguishes counter-based from time-based credentials.
type OathType byte

const (
	TypeHOTP OathType = 0x10
	TypeTOTP OathType = 0x20
)

// String implements fmt.Stringer.
func (t OathType) String() string {
	switch t {
	case TypeHOTP:
		return "HOTP"
	case TypeTOTP:
		return "TOTP"
	}
	return fmt.Sprintf("OathType(%02x)", byte(t))
}

// HashAlgorithm selects the HMAC hash of a credential.
type HashAlgorithm byte

const (
	HashSHA1   HashAlgorithm = 0x01
	HashSHA256 HashAlgorithm = 0x02
	HashSHA512 HashAlgorithm = 0x03
)

// blockSize returns the HMAC block size of the algorithm.
func (h HashAlgorithm) blockSize() int {
	if h == HashSHA512 {
		return 128
	}
	return 64
}

// totpIDPattern splits a credential id into period, issuer and name.
var totpIDPattern = regexp.MustCompile(`^((\d+)/)?(([^:]+):)?(.+)$`)

// FormatID builds the on-device credential id from its components. A
// non-default TOTP period is carried as a prefix, the issuer separated by
// a colon.
func FormatID(issuer, name string, oathType OathType, period int) []byte {
	id := ""
	if period != DefaultPeriod && oathType == TypeTOTP {
		id += fmt.Sprintf("%d/", period)
	}
	if issuer != "" {
		id += issuer + ":"
	}
	id += name
	return []byte(id)
}

// parseID splits an on-device credential id into period, issuer and name.
func parseID(id []byte, oathType OathType) (period int, issuer, name string) {
	s := string(id)
	if oathType == TypeTOTP {
		m := totpIDPattern.FindStringSubmatch(s)
		if m == nil {
			return DefaultPeriod, "", s
		}
		period = DefaultPeriod
		if m[2] != "" {
			period, _ = strconv.Atoi(m[2])
		}
		return period, m[4], m[5]
	}
	if i := strings.Index(s, ":"); i >= 0 {
		return 0, s[:i], s[i+1:]
	}
	return 0, "", s
}

// Credential is a reference to a credential stored on a device.
type Credential struct {
	// DeviceID identifies the device the credential lives on
	DeviceID string

	// ID is the on-device credential id
	ID []byte

	Issuer string
	Name   string

	OathType OathType

	// Period is the TOTP period in seconds, 0 for HOTP
	Period int

	// TouchRequired is true when calculation needs a touch
	// confirmation. Unknown when the credential was listed rather than
	// calculated.
	TouchRequired bool
}

// String returns the printable credential id.
func (c *Credential) String() string {
	return string(c.ID)
}

// CredentialData is the payload for programming a credential.
type CredentialData struct {
	Issuer        string
	Name          string
	OathType      OathType
	HashAlgorithm HashAlgorithm
	Secret        []byte
	Digits        int
	Period        int

	// Counter is the initial HOTP counter value
	Counter uint32
}

// ID returns the on-device credential id the data will be stored under.
func (d *CredentialData) ID() []byte {
	return FormatID(d.Issuer, d.Name, d.OathType, d.Period)
}

// ErrInvalidURI is returned for otpauth URIs that cannot be parsed.
var ErrInvalidURI = errors.New("oath: invalid otpauth URI")

// ParseURI parses an otpauth:// URI into CredentialData.
func ParseURI(uri string) (*CredentialData, error) {
	key, err := pquerna.NewKeyFromURL(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURI, err)
	}

	var oathType OathType
	switch key.Type() {
	case "hotp":
		oathType = TypeHOTP
	case "totp":
		oathType = TypeTOTP
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidURI, key.Type())
	}

	hash := HashSHA1
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURI, err)
	}
	query := parsed.Query()
	switch strings.ToUpper(query.Get("algorithm")) {
	case "", "SHA1":
		hash = HashSHA1
	case "SHA256":
		hash = HashSHA256
	case "SHA512":
		hash = HashSHA512
	default:
		return nil, fmt.Errorf("%w: unknown algorithm %q", ErrInvalidURI, query.Get("algorithm"))
	}

	secret := strings.ToUpper(strings.TrimRight(key.Secret(), "="))
	decoded, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: bad secret: %w", ErrInvalidURI, err)
	}

	digits := int(key.Digits().Length())
	if digits == 0 {
		digits = 6
	}

	period := DefaultPeriod
	if p := query.Get("period"); p != "" {
		period, err = strconv.Atoi(p)
		if err != nil || period <= 0 {
			return nil, fmt.Errorf("%w: bad period %q", ErrInvalidURI, p)
		}
	}

	var counter uint32
	if c := query.Get("counter"); c != "" {
		v, err := strconv.ParseUint(c, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: bad counter %q", ErrInvalidURI, c)
		}
		counter = uint32(v)
	}

	return &CredentialData{
		Issuer:        key.Issuer(),
		Name:          key.AccountName(),
		OathType:      oathType,
		HashAlgorithm: hash,
		Secret:        decoded,
		Digits:        digits,
		Period:        period,
		Counter:       counter,
	}, nil
}

// Code is a generated one-time code with its validity window.
type Code struct {
	// Value is the formatted, zero-padded code
	Value string

	// ValidFrom and ValidTo bound the validity window as Unix seconds.
	// HOTP codes are valid until used.
	ValidFrom int64
	ValidTo   int64
}

// hotpValidTo marks a code without a time-bound validity window.
const hotpValidTo = math.MaxInt64
