package infra

import (
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"gopkg.in/yaml.v2"
)

const enrollmentKeyPrefix = "enrollment/"

// Enrollment is the key material the CA issued to one user
type Enrollment struct {
	User  string
	MSPID string
	Key   []byte // PEM-encoded private key
	Cert  []byte // PEM-encoded enrollment certificate
}

// enrollmentRecord is the stored form of an Enrollment
type enrollmentRecord struct {
	User  string `yaml:"user"`
	MSPID string `yaml:"mspid"`
	Key   string `yaml:"key"`
	Cert  string `yaml:"cert"`
}

// EnrollmentStore keeps enrollments across runs in a LevelDB directory
type EnrollmentStore struct {
	db *leveldb.DB
}

func OpenEnrollmentStore(path string) (*EnrollmentStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "fail to open enrollment store %s", path)
	}
	return &EnrollmentStore{db: db}, nil
}

func (s *EnrollmentStore) Close() error {
	return s.db.Close()
}

// Get returns nil without error when the user has never been stored
func (s *EnrollmentStore) Get(user string) (*Enrollment, error) {
	raw, err := s.db.Get([]byte(enrollmentKeyPrefix+user), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "fail to read enrollment of %s", user)
	}

	record := &enrollmentRecord{}
	if err := yaml.Unmarshal(raw, record); err != nil {
		return nil, errors.Wrapf(err, "fail to decode enrollment of %s", user)
	}
	return &Enrollment{
		User:  record.User,
		MSPID: record.MSPID,
		Key:   []byte(record.Key),
		Cert:  []byte(record.Cert),
	}, nil
}

func (s *EnrollmentStore) Put(e *Enrollment) error {
	raw, err := yaml.Marshal(&enrollmentRecord{
		User:  e.User,
		MSPID: e.MSPID,
		Key:   string(e.Key),
		Cert:  string(e.Cert),
	})
	if err != nil {
		return errors.Wrapf(err, "fail to encode enrollment of %s", e.User)
	}
	if err := s.db.Put([]byte(enrollmentKeyPrefix+e.User), raw, nil); err != nil {
		return errors.Wrapf(err, "fail to write enrollment of %s", e.User)
	}
	return nil
}

// Reset deletes every stored enrollment
func (s *EnrollmentStore) Reset() error {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(enrollmentKeyPrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	if err := iter.Error(); err != nil {
		return errors.Wrap(err, "fail to iterate enrollment store")
	}
	return errors.Wrap(s.db.Write(batch, nil), "fail to reset enrollment store")
}
