package fleet

import (
	"context"
	"fmt"

	"github.com/flexwatch/flexwatch/pkg/engine/shell"
)

// ServiceController stops and starts the license service on the current
// host. The restart pathway treats its errors as recoverable.
type ServiceController interface {
	Stop(ctx context.Context) error
	Start(ctx context.Context) error
}

// NetServiceController drives the platform service manager through the
// "net" command, which is how the FLEXlm daemon is registered on the hosts
// this runs on.
type NetServiceController struct {
	Runner shell.Runner
	Name   string
}

func (c NetServiceController) Stop(ctx context.Context) error  { return c.control(ctx, "stop") }
func (c NetServiceController) Start(ctx context.Context) error { return c.control(ctx, "start") }

func (c NetServiceController) control(ctx context.Context, verb string) error {
	res := c.Runner.Run(ctx, "net", verb, c.Name)
	if res.HasErrors() {
		return fmt.Errorf("net %s %q: %s", verb, c.Name, res.Errors())
	}
	return nil
}
