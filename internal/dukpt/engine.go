// Package dukpt issues key serial numbers, derives per-device and per-use
// keys and builds ISO 9564-1 format 0 PIN blocks.
//
// IPEKs are HMAC-SHA256 under the BDK so an HSM holding the BDK as HMAC key
// material computes the identical key. Working keys are HKDF-SHA256 under the
// IPEK and the PIN block cipher is a keystream XOR. These stand in for
// TDES/AES DUKPT (ANSI X9.24) and keep the same call shapes, determinism and
// block layout.
package dukpt

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// IssuerID is the fixed 6 hex digit prefix of every KSN. With the 10
	// digit device field it fills the 8 bytes the IPEK is derived from.
	IssuerID = "FFFF00"

	KSNLength         = 20
	deviceFieldLength = 10
	counterLength     = 4

	// KeyLength is the size in bytes of IPEKs and working keys.
	KeyLength = 16

	PINBlockLength = 8
	MinPINLength   = 4
	MaxPINLength   = 12
)

var (
	ErrInvalidKSN      = errors.New("invalid KSN")
	ErrInvalidPIN      = errors.New("invalid PIN")
	ErrInvalidPINBlock = errors.New("invalid PIN block")
	ErrInvalidKey      = errors.New("invalid key material")
	ErrInvalidDeviceID = errors.New("invalid device id")
)

var (
	ipekLabel   = []byte("ipek:")
	workingInfo = []byte("dukpt-pin-working-key-v1")
)

type Engine struct {
	bdk []byte
}

// NewEngine returns an engine bound to the base derivation key.
func NewEngine(bdk []byte) (*Engine, error) {
	if len(bdk) == 0 {
		return nil, fmt.Errorf("%w: empty base derivation key", ErrInvalidKey)
	}
	return &Engine{bdk: append([]byte(nil), bdk...)}, nil
}

// GenerateInitialKSN builds IssuerID || device field || 0000. The device field
// is the hex digits of deviceID, uppercased, cut to 10 and padded with "0".
func (e *Engine) GenerateInitialKSN(deviceID string) (string, error) {
	if strings.TrimSpace(deviceID) == "" {
		return "", ErrInvalidDeviceID
	}

	var field strings.Builder
	for _, c := range strings.ToUpper(deviceID) {
		if field.Len() == deviceFieldLength {
			break
		}
		if (c >= '0' && c <= '9') || (c >= 'A' && c <= 'F') {
			field.WriteRune(c)
		}
	}
	device := field.String() + strings.Repeat("0", deviceFieldLength-field.Len())

	return IssuerID + device + strings.Repeat("0", counterLength), nil
}

// IncrementKSN advances the trailing 16-bit counter, wrapping FFFF to 0000.
func (e *Engine) IncrementKSN(ksn string) (string, error) {
	if err := ValidateKSN(ksn); err != nil {
		return "", err
	}

	prefix, counterHex := ksn[:KSNLength-counterLength], ksn[KSNLength-counterLength:]
	counter, err := strconv.ParseUint(counterHex, 16, 16)
	if err != nil {
		return "", fmt.Errorf("%w: counter %q", ErrInvalidKSN, counterHex)
	}
	next := uint16(counter) + 1

	return fmt.Sprintf("%s%04X", prefix, next), nil
}

// Counter returns the trailing 16-bit counter of a KSN.
func Counter(ksn string) (uint16, error) {
	if err := ValidateKSN(ksn); err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(ksn[KSNLength-counterLength:], 16, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidKSN, err)
	}
	return uint16(n), nil
}

func ValidateKSN(ksn string) error {
	if len(ksn) != KSNLength {
		return fmt.Errorf("%w: length %d, want %d", ErrInvalidKSN, len(ksn), KSNLength)
	}
	if _, err := hex.DecodeString(ksn); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKSN, err)
	}
	return nil
}

// IPEKMessage is the MAC input the IPEK is derived from: "ipek:" followed by
// the first 8 KSN bytes. External derivers must MAC exactly these bytes.
func IPEKMessage(ksn string) ([]byte, error) {
	raw, err := hex.DecodeString(ksn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKSN, err)
	}
	if len(raw) < 8 {
		return nil, fmt.Errorf("%w: %d bytes, need at least 8", ErrInvalidKSN, len(raw))
	}
	msg := make([]byte, 0, len(ipekLabel)+8)
	msg = append(msg, ipekLabel...)
	return append(msg, raw[:8]...), nil
}

// DeriveIPEK derives the device root key: the first KeyLength bytes of
// HMAC-SHA256(BDK, IPEKMessage(ksn)).
func (e *Engine) DeriveIPEK(ksn string) ([]byte, error) {
	msg, err := IPEKMessage(ksn)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, e.bdk)
	mac.Write(msg)
	return mac.Sum(nil)[:KeyLength], nil
}

// DeriveWorkingKey derives the per-use key from an IPEK and the full KSN.
func (e *Engine) DeriveWorkingKey(ipek []byte, ksn string) ([]byte, error) {
	if len(ipek) == 0 {
		return nil, fmt.Errorf("%w: empty IPEK", ErrInvalidKey)
	}
	raw, err := hex.DecodeString(ksn)
	if err != nil || len(raw) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKSN, ksn)
	}
	return expand(ipek, raw, workingInfo)
}

func expand(secret, salt, info []byte) ([]byte, error) {
	out := make([]byte, KeyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, fmt.Errorf("key expansion failed: %w", err)
	}
	return out, nil
}

// EncryptPINBlock frames the PIN as ISO 9564-1 format 0 and applies the
// working key keystream.
func (e *Engine) EncryptPINBlock(pin string, workingKey []byte) ([]byte, error) {
	if err := ValidatePIN(pin); err != nil {
		return nil, err
	}
	if len(workingKey) == 0 {
		return nil, fmt.Errorf("%w: empty working key", ErrInvalidKey)
	}

	framed := fmt.Sprintf("0%X%s%s", len(pin), pin, strings.Repeat("F", 2*PINBlockLength-2-len(pin)))
	block, err := hex.DecodeString(framed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPIN, err)
	}
	return applyKeystream(block, workingKey), nil
}

// DecryptPINBlock reverses EncryptPINBlock and checks the format 0 layout.
func (e *Engine) DecryptPINBlock(block, workingKey []byte) (string, error) {
	if len(block) != PINBlockLength {
		return "", fmt.Errorf("%w: %d bytes", ErrInvalidPINBlock, len(block))
	}
	if len(workingKey) == 0 {
		return "", fmt.Errorf("%w: empty working key", ErrInvalidKey)
	}

	nibbles := strings.ToUpper(hex.EncodeToString(applyKeystream(block, workingKey)))
	if nibbles[0] != '0' {
		return "", fmt.Errorf("%w: format %c", ErrInvalidPINBlock, nibbles[0])
	}
	n, err := strconv.ParseUint(nibbles[1:2], 16, 8)
	if err != nil || n < MinPINLength || n > MaxPINLength {
		return "", fmt.Errorf("%w: length nibble %s", ErrInvalidPINBlock, nibbles[1:2])
	}

	pin := nibbles[2 : 2+n]
	for _, c := range pin {
		if c < '0' || c > '9' {
			return "", fmt.Errorf("%w: non-digit PIN nibble", ErrInvalidPINBlock)
		}
	}
	for _, c := range nibbles[2+n:] {
		if c != 'F' {
			return "", fmt.Errorf("%w: bad pad nibble", ErrInvalidPINBlock)
		}
	}
	return pin, nil
}

func ValidatePIN(pin string) error {
	if len(pin) < MinPINLength || len(pin) > MaxPINLength {
		return fmt.Errorf("%w: must be %d-%d digits", ErrInvalidPIN, MinPINLength, MaxPINLength)
	}
	for _, c := range pin {
		if c < '0' || c > '9' {
			return fmt.Errorf("%w: digits only", ErrInvalidPIN)
		}
	}
	return nil
}

func applyKeystream(data, key []byte) []byte {
	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] ^ key[i%len(key)]
	}
	return out
}
