package main

import (
	"context"
	"fmt"
)

func (cli *commandLine) sweepSessions() error {
	n, err := cli.sessions.DeleteExpired(context.Background())
	if err != nil {
		return err
	}
	cli.logger.Info(fmt.Sprintf("deleted %d expired sessions", n))
	return nil
}
