package main

import (
	"context"
	"time"

	"github.com/trezcool/tutorhub/core/user"
)

func (cli *commandLine) resetPassword(uname, pwd string) error {
	ctx := context.Background()
	usr, err := cli.usrRepo.GetUserByUsernameOrEmail(ctx, uname)
	if err != nil {
		return err
	}
	if err := usr.SetPassword(pwd); err != nil {
		return err
	}
	update := user.User{
		ID:           usr.ID,
		PasswordHash: usr.PasswordHash,
		UpdatedAt:    time.Now().UTC(),
	}
	if _, err := cli.usrRepo.UpdateUser(ctx, update, nil); err != nil {
		return err
	}
	return nil
}
