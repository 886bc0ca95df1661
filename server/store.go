package main

import (
	"encoding/json"
	"errors"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puyokura/cmppaccount/model"
	"golang.org/x/crypto/bcrypt"
)

var (
	errUserExists         = errors.New("user already exists")
	errInvalidCredentials = errors.New("invalid credentials")
	errNoEnrollment       = errors.New("no open enrollment")
)

type Store struct {
	Users       map[string]*model.User // Key: Username
	Enrollments []*model.Enrollment
	mu          sync.RWMutex
	userFile    string
	enrolFile   string
}

func NewStore(userFile, enrolFile string) *Store {
	return &Store{
		Users:     make(map[string]*model.User),
		userFile:  userFile,
		enrolFile: enrolFile,
	}
}

func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if data, err := os.ReadFile(s.userFile); err == nil {
		var usersList []*model.User
		if err := json.Unmarshal(data, &usersList); err != nil {
			return err
		}
		for _, u := range usersList {
			s.Users[u.Username] = u
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	if data, err := os.ReadFile(s.enrolFile); err == nil {
		if err := json.Unmarshal(data, &s.Enrollments); err != nil {
			return err
		}
	} else if !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Helpers below must be called with the lock held
func (s *Store) saveUsersInternal() error {
	usersList := make([]*model.User, 0, len(s.Users))
	for _, u := range s.Users {
		usersList = append(usersList, u)
	}
	data, err := json.MarshalIndent(usersList, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.userFile, data, 0644)
}

func (s *Store) saveEnrollmentsInternal() error {
	data, err := json.MarshalIndent(s.Enrollments, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.enrolFile, data, 0644)
}

func (s *Store) mailInUseInternal(mail string) bool {
	for _, u := range s.Users {
		if strings.EqualFold(u.Mail, mail) {
			return true
		}
	}
	return false
}

func (s *Store) nameTakenInternal(name string) bool {
	if _, ok := s.Users[name]; ok {
		return true
	}
	for _, e := range s.Enrollments {
		if e.Username == name && e.Status == "Open" {
			return true
		}
	}
	return false
}

func (s *Store) MailInUse(mail string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mailInUseInternal(mail)
}

func (s *Store) NameTaken(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nameTakenInternal(name)
}

func (s *Store) UserByMail(mail string) *model.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.Users {
		if strings.EqualFold(u.Mail, mail) {
			return u
		}
	}
	return nil
}

func (s *Store) RegisterUser(username, mail, password string) (*model.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return s.addUser(username, mail, string(hash))
}

func (s *Store) addUser(username, mail, hash string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.Users[username]; exists {
		return nil, errUserExists
	}

	newUser := model.User{
		UUID:         uuid.NewString(),
		Username:     username,
		Mail:         mail,
		PasswordHash: hash,
		Created:      time.Now(),
	}
	s.Users[username] = &newUser

	if err := s.saveUsersInternal(); err != nil {
		delete(s.Users, username) // Rollback
		return nil, err
	}
	return &newUser, nil
}

// AddEnrollment stores a pending enrolment. The password is hashed right away.
func (s *Store) AddEnrollment(username, mail, password string) (*model.Enrollment, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nameTakenInternal(username) {
		return nil, errUserExists
	}
	enrollment := &model.Enrollment{
		UUID:         uuid.NewString(),
		Username:     username,
		Mail:         mail,
		PasswordHash: string(hash),
		Status:       "Open",
		Timestamp:    time.Now(),
	}
	s.Enrollments = append(s.Enrollments, enrollment)
	if err := s.saveEnrollmentsInternal(); err != nil {
		s.Enrollments = s.Enrollments[:len(s.Enrollments)-1]
		return nil, err
	}
	return enrollment, nil
}

// AcceptEnrollment turns an open enrolment into a user.
func (s *Store) AcceptEnrollment(username string) (*model.User, error) {
	s.mu.Lock()
	var found *model.Enrollment
	for _, e := range s.Enrollments {
		if e.Username == username && e.Status == "Open" {
			found = e
			break
		}
	}
	if found == nil {
		s.mu.Unlock()
		return nil, errNoEnrollment
	}
	found.Status = "Accepted"
	err := s.saveEnrollmentsInternal()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	return s.addUser(found.Username, found.Mail, found.PasswordHash)
}

func (s *Store) Authenticate(username, password string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.Users[username]
	if !exists {
		return nil, errInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, errInvalidCredentials
	}
	return user, nil
}

func (s *Store) ChangePassword(username, old, newPassword string) error {
	if _, err := s.Authenticate(username, old); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.Users[username]
	if !ok {
		return errInvalidCredentials
	}
	prev := user.PasswordHash
	user.PasswordHash = string(hash)
	if err := s.saveUsersInternal(); err != nil {
		user.PasswordHash = prev
		return err
	}
	return nil
}

func (s *Store) Usernames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.Users))
	for name := range s.Users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Store) OpenEnrollments() []model.Enrollment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var open []model.Enrollment
	for _, e := range s.Enrollments {
		if e.Status == "Open" {
			open = append(open, *e)
		}
	}
	return open
}
