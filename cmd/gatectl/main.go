// Command gatectl administers principals directly against the configured stores.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"

	"oncopurpose.org/internal/app"
	"oncopurpose.org/internal/auth"
	"oncopurpose.org/internal/config"
	"oncopurpose.org/internal/ids"
)

// operator is the identity gatectl acts as; shell access to the stores already implies it.
var operator = auth.Identity{PrincipalID: "gatectl", Role: auth.RoleSuperAdmin}

type CLI struct {
	CreatePrincipal CreatePrincipalCmd `cmd:"" help:"Create a principal."`
	SetRole         SetRoleCmd         `cmd:"" help:"Change the role of a principal."`
	SetTier         SetTierCmd         `cmd:"" help:"Change the subscription tier of a principal."`
	Disable         DisableCmd         `cmd:"" help:"Disable a principal and revoke its refresh tokens."`
	RevokeAll       RevokeAllCmd       `cmd:"" help:"Revoke every refresh token of a principal."`

	Timeout time.Duration `help:"Timeout for each command." default:"10s"`
}

// runtime carries the services commands operate on.
type runtime struct {
	accounts *auth.Service
	store    auth.CredentialStore
	out      io.Writer
	timeout  time.Duration
}

func (rt *runtime) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), rt.timeout)
}

// resolve accepts either a principal id or an email address.
func (rt *runtime) resolve(ctx context.Context, ref string) (*auth.Principal, error) {
	if ids.Valid(ref) {
		return rt.store.FindByID(ctx, ref)
	}
	return rt.store.FindByEmail(ctx, strings.ToLower(strings.TrimSpace(ref)))
}

func (rt *runtime) update(ref string, upd auth.PrincipalUpdate) error {
	ctx, cancel := rt.ctx()
	defer cancel()
	p, err := rt.resolve(ctx, ref)
	if err != nil {
		return fmt.Errorf("principal %s: %w", ref, err)
	}
	updated, err := rt.accounts.UpdatePrincipal(ctx, operator, p.ID, upd)
	if err != nil {
		return err
	}
	return rt.print(updated)
}

func (rt *runtime) print(p *auth.Principal) error {
	_, err := fmt.Fprintf(rt.out, "%s\t%s\t%s\t%s\tactive=%t\n", p.ID, p.Email, p.Role, p.Tier, p.Active)
	return err
}

type CreatePrincipalCmd struct {
	Email    string `arg:"" help:"Email address."`
	Password string `required:"" env:"GATECTL_PASSWORD" help:"Initial password."`
	FullName string `name:"full-name" help:"Display name."`
	Company  string `help:"Company name."`
	Role     string `default:"researcher" enum:"researcher,admin,super_admin" help:"Role."`
	Tier     string `default:"basic" enum:"basic,professional,enterprise" help:"Subscription tier."`
}

func (c *CreatePrincipalCmd) Run(rt *runtime) error {
	ctx, cancel := rt.ctx()
	defer cancel()
	p, err := rt.accounts.Register(ctx, auth.Registration{
		Email:       c.Email,
		Password:    c.Password,
		FullName:    c.FullName,
		CompanyName: c.Company,
	})
	if err != nil {
		return err
	}
	role, _ := auth.ParseRole(c.Role)
	tier, _ := auth.ParseTier(c.Tier)
	if role == p.Role && tier == p.Tier {
		return rt.print(p)
	}
	upd := auth.PrincipalUpdate{}
	if role != p.Role {
		upd.Role = &role
	}
	if tier != p.Tier {
		upd.Tier = &tier
	}
	updated, err := rt.accounts.UpdatePrincipal(ctx, operator, p.ID, upd)
	if err != nil {
		return err
	}
	return rt.print(updated)
}

type SetRoleCmd struct {
	Principal string `arg:"" help:"Principal id or email."`
	Role      string `arg:"" enum:"researcher,admin,super_admin" help:"New role."`
}

func (c *SetRoleCmd) Run(rt *runtime) error {
	role, _ := auth.ParseRole(c.Role)
	return rt.update(c.Principal, auth.PrincipalUpdate{Role: &role})
}

type SetTierCmd struct {
	Principal string `arg:"" help:"Principal id or email."`
	Tier      string `arg:"" enum:"basic,professional,enterprise" help:"New tier."`
}

func (c *SetTierCmd) Run(rt *runtime) error {
	tier, _ := auth.ParseTier(c.Tier)
	return rt.update(c.Principal, auth.PrincipalUpdate{Tier: &tier})
}

type DisableCmd struct {
	Principal string `arg:"" help:"Principal id or email."`
}

func (c *DisableCmd) Run(rt *runtime) error {
	active := false
	return rt.update(c.Principal, auth.PrincipalUpdate{Active: &active})
}

type RevokeAllCmd struct {
	Principal string `arg:"" help:"Principal id or email."`
}

func (c *RevokeAllCmd) Run(rt *runtime) error {
	ctx, cancel := rt.ctx()
	defer cancel()
	p, err := rt.resolve(ctx, c.Principal)
	if err != nil {
		return fmt.Errorf("principal %s: %w", c.Principal, err)
	}
	if err := rt.accounts.LogoutAll(ctx, p.ID); err != nil {
		return err
	}
	_, err = fmt.Fprintf(rt.out, "revoked refresh tokens of %s\n", p.ID)
	return err
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("gatectl"),
		kong.Description("Administer principals of the access gateway."),
		kong.UsageOnError(),
	)

	cfg, err := config.Load()
	kctx.FatalIfErrorf(err)

	ctx, cancel := context.WithTimeout(context.Background(), cli.Timeout)
	stores, err := app.Open(ctx, cfg)
	cancel()
	kctx.FatalIfErrorf(err)
	defer stores.Close()

	svc, err := stores.Build(cfg)
	kctx.FatalIfErrorf(err)

	rt := &runtime{accounts: svc.Accounts, store: stores.Credentials, out: os.Stdout, timeout: cli.Timeout}
	if err := kctx.Run(rt); err != nil {
		_ = stores.Close()
		kctx.FatalIfErrorf(err)
	}
}
