package console

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	HelpIssue      = errors.New("issue <count> [validity-days]")
	HelpRedeem     = errors.New("redeem <identity> <alias> <token>")
	HelpKeys       = errors.New("keys <identity> [alias]")
	HelpInvalidate = errors.New("invalidate <identity> [alias]")
	HelpRevoke     = errors.New("revoke <identity> [alias]")
	HelpLimit      = errors.New("limit <identity> <n> [alias]")
	HelpResetDev   = errors.New("resetdev <token>")
	HelpBind       = errors.New("bind <token> <raw-device>")
	HelpWlAdd      = errors.New("wl-add <identity> [alias]")
	HelpWlRm       = errors.New("wl-rm <identity> [alias]")
	HelpBlAdd      = errors.New("bl-add <identity> [reason...]")
	HelpBlRm       = errors.New("bl-rm <identity>")
)

func (c *Console) CommandHelp() error {
	for _, h := range []error{
		HelpIssue, HelpRedeem, HelpKeys, HelpInvalidate, HelpRevoke,
		HelpLimit, HelpResetDev, HelpBind, HelpWlAdd, HelpWlRm,
		HelpBlAdd, HelpBlRm,
	} {
		fmt.Println(h.Error())
	}
	fmt.Println("fresh <identity> [alias]  (bypass cache)")
	fmt.Println("stats")
	return nil
}

func optional(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

func (c *Console) CommandIssue(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return HelpIssue
	}
	count, err := strconv.Atoi(args[0])
	if err != nil || count <= 0 {
		return HelpIssue
	}
	var validity *int64
	if len(args) > 1 {
		days, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || days <= 0 {
			return HelpIssue
		}
		validity = &days
	}
	keys, err := c.Service.IssueKeys(ctx, count, validity, "console")
	if err != nil {
		return err
	}
	for _, k := range keys {
		fmt.Println(k)
	}
	return nil
}

func (c *Console) CommandRedeem(ctx context.Context, args []string) error {
	if len(args) != 3 {
		return HelpRedeem
	}
	permanent, err := c.Service.Redeem(ctx, args[0], args[1], args[2])
	if err != nil {
		return err
	}
	if permanent {
		fmt.Println("redeemed (permanent)")
	} else {
		fmt.Println("redeemed")
	}
	return nil
}

func (c *Console) CommandKeys(ctx context.Context, args []string, fresh bool) error {
	if len(args) < 1 {
		return HelpKeys
	}
	keys, err := c.Service.ActiveKeys(ctx, args[0], optional(args, 1), fresh)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		fmt.Println("(no active keys)")
		return nil
	}
	for _, k := range keys {
		fmt.Println(k)
	}
	return nil
}

func (c *Console) CommandInvalidate(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return HelpInvalidate
	}
	return c.Service.InvalidateCache(ctx, args[0], optional(args, 1))
}

func (c *Console) CommandRevoke(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return HelpRevoke
	}
	count, err := c.Service.RevokeAll(ctx, args[0], optional(args, 1))
	if err != nil {
		return err
	}
	fmt.Printf("%d key(s) revoked\n", count)
	return nil
}

func (c *Console) CommandLimit(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return HelpLimit
	}
	limit, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || limit <= 0 {
		return HelpLimit
	}
	count, err := c.Service.SetDeviceLimit(ctx, args[0], optional(args, 2), limit)
	if err != nil {
		return err
	}
	fmt.Printf("%d key(s) updated\n", count)
	return nil
}

func (c *Console) CommandResetDevice(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return HelpResetDev
	}
	return c.Service.ResetDevice(ctx, args[0])
}

func (c *Console) CommandBindDevice(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return HelpBind
	}
	return c.Service.BindDevice(ctx, args[0], args[1])
}

func (c *Console) CommandWhitelistAdd(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return HelpWlAdd
	}
	token, err := c.Service.WhitelistAdd(ctx, args[0], optional(args, 1), "console")
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func (c *Console) CommandWhitelistRemove(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return HelpWlRm
	}
	return c.Service.WhitelistRemove(ctx, args[0], optional(args, 1))
}

func (c *Console) CommandDenylistAdd(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return HelpBlAdd
	}
	reason := strings.Join(args[1:], " ")
	revoked, err := c.Service.DenylistAdd(ctx, args[0], "", reason, "console")
	if err != nil {
		return err
	}
	fmt.Printf("denylisted, %d key(s) revoked\n", revoked)
	return nil
}

func (c *Console) CommandDenylistRemove(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return HelpBlRm
	}
	return c.Service.DenylistRemove(ctx, args[0])
}

func (c *Console) CommandStats(ctx context.Context) error {
	stats, err := c.Service.CollectionStats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("active keys:  %d\n", stats.ActiveKeys)
	fmt.Printf("pending keys: %d\n", stats.PendingKeys)
	fmt.Printf("whitelisted:  %d\n", stats.Whitelisted)
	fmt.Printf("denylisted:   %d\n", stats.Denylisted)
	return nil
}
