package encryption

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
)

var (
	ErrInvalidPublicKey = errors.New("invalid device public key")
	ErrInvalidSignature = errors.New("invalid signature")
)

// ParseDevicePublicKey accepts a PEM "PUBLIC KEY" block or raw PKIX DER.
func ParseDevicePublicKey(raw []byte) (*rsa.PublicKey, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPublicKey)
	}
	der := raw
	if block, _ := pem.Decode(raw); block != nil {
		der = block.Bytes
	}

	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidPublicKey)
	}
	if rsaPub.N.BitLen() < 2048 {
		return nil, fmt.Errorf("%w: %d-bit modulus", ErrInvalidPublicKey, rsaPub.N.BitLen())
	}
	return rsaPub, nil
}

// VerifyDeviceSignature checks a base64 RSA PKCS#1 v1.5 SHA-256 signature.
func VerifyDeviceSignature(publicKey []byte, message []byte, signatureB64 string) error {
	pub, err := ParseDevicePublicKey(publicKey)
	if err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("%w: not base64", ErrInvalidSignature)
	}
	digest := sha256.Sum256(message)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return ErrInvalidSignature
	}
	return nil
}

// WrapForDevice encrypts key material to the device with RSA-OAEP SHA-256.
func WrapForDevice(publicKey []byte, key []byte) ([]byte, error) {
	pub, err := ParseDevicePublicKey(publicKey)
	if err != nil {
		return nil, err
	}
	out, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, []byte("ipek"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return out, nil
}
