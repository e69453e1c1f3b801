package main

import (
	"context"

	"github.com/trezcool/denim/core/perm"
	"github.com/trezcool/denim/core/user"
)

// addUser creates a user with a chosen (non default) password.
func (cli *commandLine) addUser(firstName, surname, email, role, pwd string) error {
	r, err := perm.ParseRole(role)
	if err != nil {
		return err
	}
	nu := user.NewUser{
		FirstName: firstName,
		Surname:   surname,
		Email:     email,
		Password:  pwd,
		Role:      r,
	}
	if err = nu.Validate(cli.validate); err != nil {
		return err
	}

	usr, _, err := cli.usrSvc.Create(context.Background(), nu)
	if err != nil {
		return err
	}
	cli.logger.Info("created " + usr.Role.String() + " " + usr.Email)
	return nil
}
