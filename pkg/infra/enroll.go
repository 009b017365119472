package infra

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/osdi23p228/e2e/pkg/comm"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Enroller obtains key material for a user from a certificate authority
type Enroller interface {
	Enroll(ctx context.Context, user, secret string) (*Enrollment, error)
}

// CAClient enrolls users against a Fabric CA server over its REST API
type CAClient struct {
	url    string
	caName string
	mspID  string
	client *http.Client
}

func NewCAClient(c *Config) (*CAClient, error) {
	transport := &http.Transport{}
	if c.CA.TLSCACert != "" {
		pemBytes, err := ioutil.ReadFile(c.CA.TLSCACert)
		if err != nil {
			return nil, errors.Wrapf(err, "fail to load CA TLS cert %s", c.CA.TLSCACert)
		}
		pool := x509.NewCertPool()
		if err := comm.AddPemToCertPool(pemBytes, pool); err != nil {
			return nil, errors.WithMessage(err, "fail to parse CA TLS cert")
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}

	return &CAClient{
		url:    strings.TrimRight(c.CA.URL, "/"),
		caName: c.CA.Name,
		mspID:  c.User.MSPID,
		client: &http.Client{Transport: transport, Timeout: 30 * time.Second},
	}, nil
}

type enrollRequest struct {
	CertificateRequest string `json:"certificate_request"`
	CAName             string `json:"caname,omitempty"`
}

type caResponseMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type enrollResponse struct {
	Success bool `json:"success"`
	Result  struct {
		Cert string `json:"Cert"`
	} `json:"result"`
	Errors []caResponseMessage `json:"errors"`
}

// Enroll generates a fresh key, has the CA sign a CSR for it and returns the
// resulting enrollment
func (c *CAClient) Enroll(ctx context.Context, user, secret string) (*Enrollment, error) {
	key, err := generateKey()
	if err != nil {
		return nil, err
	}

	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:            pkix.Name{CommonName: user},
		SignatureAlgorithm: x509.ECDSAWithSHA256,
	}, key)
	if err != nil {
		return nil, errors.Wrap(err, "fail to create certificate request")
	}

	body, err := json.Marshal(enrollRequest{
		CertificateRequest: string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csr})),
		CAName:             c.caName,
	})
	if err != nil {
		return nil, errors.Wrap(err, "fail to encode enroll request")
	}

	req, err := http.NewRequest(http.MethodPost, c.url+"/api/v1/enroll", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "fail to build enroll request")
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(user, secret)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fail to reach CA %s", c.url)
	}
	defer resp.Body.Close()

	raw, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "fail to read enroll response")
	}

	er := &enrollResponse{}
	if err := json.Unmarshal(raw, er); err != nil {
		return nil, errors.Wrapf(err, "fail to decode enroll response (HTTP %d)", resp.StatusCode)
	}
	if !er.Success || resp.StatusCode != http.StatusOK {
		msg := "unknown error"
		if len(er.Errors) > 0 {
			msg = er.Errors[0].Message
		}
		return nil, errors.Errorf("enrollment of %s rejected (HTTP %d): %s", user, resp.StatusCode, msg)
	}

	certPEM, err := base64.StdEncoding.DecodeString(er.Result.Cert)
	if err != nil {
		return nil, errors.Wrap(err, "fail to decode enrollment certificate")
	}

	keyPEM, err := marshalPrivateKey(key)
	if err != nil {
		return nil, err
	}

	return &Enrollment{
		User:  user,
		MSPID: c.mspID,
		Key:   keyPEM,
		Cert:  certPEM,
	}, nil
}

// Session owns the identity a run signs with. Enrollments are looked up in
// the store first and only requested from the CA when missing.
type Session struct {
	mspID    string
	store    *EnrollmentStore
	enroller Enroller
	identity *Crypto
	logger   *log.Logger
}

func NewSession(mspID string, store *EnrollmentStore, enroller Enroller, logger *log.Logger) *Session {
	return &Session{
		mspID:    mspID,
		store:    store,
		enroller: enroller,
		logger:   logger,
	}
}

// Enroll makes user the current identity of the session
func (s *Session) Enroll(ctx context.Context, user, secret string) (*Crypto, error) {
	var enrollment *Enrollment
	var err error

	if s.store != nil {
		enrollment, err = s.store.Get(user)
		if err != nil {
			return nil, err
		}
	}

	if enrollment == nil {
		if s.enroller == nil {
			return nil, errors.Errorf("user %s is not enrolled and no CA is configured", user)
		}
		s.logger.Infof("Enrolling user %s", user)
		enrollment, err = s.enroller.Enroll(ctx, user, secret)
		if err != nil {
			return nil, err
		}
		if s.store != nil {
			if err := s.store.Put(enrollment); err != nil {
				return nil, err
			}
		}
	} else {
		s.logger.Debugf("Loaded enrollment of user %s from store", user)
	}

	key, err := parsePrivateKey(enrollment.Key)
	if err != nil {
		return nil, err
	}
	identity, err := NewCrypto(s.mspID, key, enrollment.Cert)
	if err != nil {
		return nil, err
	}

	s.identity = identity
	return identity, nil
}

// Use sets a pre-enrolled identity as the current one
func (s *Session) Use(identity *Crypto) {
	s.identity = identity
}

func (s *Session) CurrentIdentity() (*Crypto, error) {
	if s.identity == nil {
		return nil, errors.New("no identity enrolled in session")
	}
	return s.identity, nil
}

// OpenSession resolves the identity described by the configuration: a
// pre-enrolled key pair when given, a stored or freshly enrolled CA identity
// otherwise
func OpenSession(ctx context.Context, c *Config, logger *log.Logger) (*Session, error) {
	if c.PreEnrolled() {
		identity, err := LoadCrypto(c.User.MSPID, c.User.PrivateKey, c.User.SignCert)
		if err != nil {
			return nil, err
		}
		s := NewSession(c.User.MSPID, nil, nil, logger)
		s.Use(identity)
		return s, nil
	}

	store, err := OpenEnrollmentStore(c.Keystore.Path)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	if c.Keystore.Reset {
		if err := store.Reset(); err != nil {
			return nil, err
		}
	}

	ca, err := NewCAClient(c)
	if err != nil {
		return nil, err
	}

	s := NewSession(c.User.MSPID, store, ca, logger)
	if _, err := s.Enroll(ctx, c.User.Name, c.User.Secret); err != nil {
		return nil, err
	}
	// the store is closed on return, later Enroll calls go straight to the CA
	s.store = nil
	return s, nil
}
