package main

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/tutorhub/core"
	"github.com/trezcool/tutorhub/core/user"
)

// addUser updates or creates a user.User
func (cli *commandLine) addUser(uname, email, pwd string, isAdmin bool) error {
	ctx := context.Background()
	uname = core.CleanString(uname, true /* lower */)
	email = core.CleanString(email, true /* lower */)

	usr, err := cli.usrRepo.GetUserByUsernameOrEmail(ctx, uname)
	if err != nil {
		if errors.Cause(err) != user.ErrNotFound {
			return err
		}
		usr = user.User{
			Username:  uname,
			Email:     email,
			CreatedAt: time.Now().UTC(),
		}
	}

	if isAdmin {
		usr.Roles = user.AllRoles
	} else if usr.Roles == nil {
		usr.Roles = user.StudentRoles
	}
	if err := usr.SetPassword(pwd); err != nil {
		return err
	}
	usr.UpdatedAt = time.Now().UTC()

	isActive := true
	if usr.ID == "" {
		usr.IsActive = true
		_, err = cli.usrRepo.CreateUser(ctx, usr)
	} else {
		_, err = cli.usrRepo.UpdateUser(ctx, usr, &isActive)
	}
	return err
}
