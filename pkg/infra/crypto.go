package infra

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"io/ioutil"
	"math/big"

	"github.com/gogo/protobuf/proto"
	"github.com/osdi23p228/fabric-protos-go/msp"
	"github.com/pkg/errors"
)

type ECDSASignature struct {
	R, S *big.Int
}

// Crypto is the client identity every proposal and envelope is signed with
type Crypto struct {
	MSPID    string
	Creator  []byte
	PrivKey  *ecdsa.PrivateKey
	SignCert *x509.Certificate
	CertPEM  []byte
}

// NewCrypto builds an identity from a key and a PEM-encoded certificate
func NewCrypto(mspID string, key *ecdsa.PrivateKey, certPEM []byte) (*Crypto, error) {
	cert, err := parseCertificate(certPEM)
	if err != nil {
		return nil, err
	}

	id := &msp.SerializedIdentity{
		Mspid:   mspID,
		IdBytes: certPEM,
	}
	creator, err := proto.Marshal(id)
	if err != nil {
		return nil, errors.Wrap(err, "fail to serialize identity")
	}

	return &Crypto{
		MSPID:    mspID,
		Creator:  creator,
		PrivKey:  key,
		SignCert: cert,
		CertPEM:  certPEM,
	}, nil
}

// LoadCrypto reads a pre-enrolled identity from a PEM key file and a PEM
// certificate file
func LoadCrypto(mspID, keyFile, certFile string) (*Crypto, error) {
	key, err := GetPrivateKey(keyFile)
	if err != nil {
		return nil, errors.WithMessage(err, "fail to load private key")
	}

	_, certPEM, err := GetCertificate(certFile)
	if err != nil {
		return nil, errors.WithMessage(err, "fail to load certificate")
	}

	return NewCrypto(mspID, key, certPEM)
}

// Sign signs the SHA-256 digest of message, normalizing S to the lower half
// of the curve order as Fabric peers require
func (s *Crypto) Sign(message []byte) ([]byte, error) {
	r, sig, err := ecdsa.Sign(rand.Reader, s.PrivKey, digest(message))
	if err != nil {
		return nil, errors.Wrap(err, "fail to sign")
	}

	sig = toLowS(&s.PrivKey.PublicKey, sig)

	return asn1.Marshal(ECDSASignature{R: r, S: sig})
}

// Serialize returns the serialized msp.SerializedIdentity of the signer
func (s *Crypto) Serialize() ([]byte, error) {
	return s.Creator, nil
}

func digest(in []byte) []byte {
	h := sha256.New()
	h.Write(in)
	return h.Sum(nil)
}

func toLowS(key *ecdsa.PublicKey, s *big.Int) *big.Int {
	halfOrder := new(big.Int).Rsh(key.Params().N, 1)
	if s.Cmp(halfOrder) == 1 {
		return new(big.Int).Sub(key.Params().N, s)
	}
	return s
}

func GetPrivateKey(file string) (*ecdsa.PrivateKey, error) {
	in, err := ioutil.ReadFile(file)
	if err != nil {
		return nil, errors.Wrapf(err, "fail to read %s", file)
	}
	return parsePrivateKey(in)
}

func GetCertificate(file string) (*x509.Certificate, []byte, error) {
	in, err := ioutil.ReadFile(file)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "fail to read %s", file)
	}

	cert, err := parseCertificate(in)
	if err != nil {
		return nil, nil, err
	}
	return cert, in, nil
}

func parsePrivateKey(raw []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no PEM block found in private key")
	}

	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "fail to parse private key")
	}
	key, ok := k.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.Errorf("expecting an ECDSA private key, got %T", k)
	}
	return key, nil
}

func parseCertificate(raw []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no PEM block found in certificate")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "fail to parse certificate")
	}
	return cert, nil
}

func marshalPrivateKey(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, errors.Wrap(err, "fail to marshal private key")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

func generateKey() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "fail to generate key")
	}
	return key, nil
}
