package dummydb

import (
	"sync"

	"github.com/trezcool/tutorhub/core/session"
	"github.com/trezcool/tutorhub/core/user"
)

type (
	DB struct {
		user    *userTable
		session *sessionTable
	}

	userTable struct {
		sync.RWMutex
		table map[string]*user.User
	}

	sessionTable struct {
		sync.RWMutex
		table map[string]*session.Session
	}
)

func Open() (*DB, error) {
	db := &DB{
		user:    &userTable{table: make(map[string]*user.User)},
		session: &sessionTable{table: make(map[string]*session.Session)},
	}
	return db, nil
}
