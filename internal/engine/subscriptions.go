package engine

import (
	"context"
	"fmt"

	"taskpanel/internal/core"
	"taskpanel/internal/events"
)

// SubscriptionStore is the persistence the subscription coordinator uses.
type SubscriptionStore interface {
	GetSubscription(ctx context.Context, id string) (*core.Subscription, error)
	GetSubscriptions(ctx context.Context, ids []string) ([]*core.Subscription, error)
	ListSubscriptions(ctx context.Context, search string) ([]*core.Subscription, error)
	MarkSubscriptionsQueued(ctx context.Context, ids []string) error
	UpdateSubscriptionStatus(ctx context.Context, id string, update core.StatusUpdate) error
	SetSubscriptionsDisabled(ctx context.Context, ids []string, disabled bool) error
	ResetStaleSubscriptions(ctx context.Context) (int64, error)
}

// KeyInstaller binds private keys to ssh host aliases.
type KeyInstaller interface {
	Install(alias, host, privateKey string) error
	Remove(alias string) error
}

// Subscriptions coordinates pulls of repositories and files. Each subscription
// behaves like a task whose command is the pull tool invocation.
type Subscriptions struct {
	background

	store SubscriptionStore
	keys  KeyInstaller
	rt    *Runtime
	cfg   Config
	live  flights
}

func NewSubscriptions(store SubscriptionStore, keys KeyInstaller, rt *Runtime, cfg Config) *Subscriptions {
	return &Subscriptions{store: store, keys: keys, rt: rt, cfg: cfg.withDefaults()}
}

func subscriptionTriggerID(id string) string { return "sub:" + id }

// Start resets stale statuses and registers triggers without running
// interval subscriptions immediately.
func (c *Subscriptions) Start(ctx context.Context) error {
	c.bind(ctx)
	reset, err := c.store.ResetStaleSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("reset stale subscriptions: %w", err)
	}
	if reset > 0 {
		c.rt.Logger.Info("reset stale subscription statuses", "count", reset)
	}
	subs, err := c.store.ListSubscriptions(ctx, "")
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	for _, sub := range subs {
		if err := c.register(sub, false); err != nil {
			c.rt.Logger.Error("register subscription", "subscription_id", sub.ID, "err", err)
		}
	}
	return nil
}

// Register installs or replaces the trigger of sub after a create or update.
// Interval subscriptions also run once right away.
func (c *Subscriptions) Register(_ context.Context, sub *core.Subscription) error {
	return c.register(sub, true)
}

func (c *Subscriptions) register(sub *core.Subscription, runInterval bool) error {
	key := subscriptionTriggerID(sub.ID)
	if sub.IsDisabled {
		c.rt.Triggers.Cancel(key)
		return nil
	}
	// The command is rebuilt on every tick; building it here validates the
	// url and installs the ssh key before the first pull.
	if _, err := c.command(sub); err != nil {
		return err
	}
	id := sub.ID
	switch sub.ScheduleType {
	case core.ScheduleInterval:
		return c.rt.Triggers.RegisterInterval(key, sub.Interval, func() { c.fireAsync(id) }, runInterval)
	case core.ScheduleCrontab:
		return c.rt.Triggers.RegisterCron(key, sub.Schedule, func() { c.fire(id) }, false)
	default:
		return fmt.Errorf("subscription %s: unknown schedule type %q", sub.ID, sub.ScheduleType)
	}
}

// Remove cancels triggers and drops the ssh keys of subs. Records are deleted by the caller.
func (c *Subscriptions) Remove(subs []*core.Subscription) {
	for _, sub := range subs {
		c.rt.Triggers.Cancel(subscriptionTriggerID(sub.ID))
		if sub.Type == core.SubscriptionPrivateRepo && sub.PullType == core.PullSSHKey && c.keys != nil {
			if err := c.keys.Remove(sub.Alias); err != nil {
				c.rt.Logger.Warn("remove ssh key", "subscription_id", sub.ID, "err", err)
			}
		}
	}
}

// fireAsync keeps an immediate interval run from blocking registration.
func (c *Subscriptions) fireAsync(id string) {
	c.goRun(func(context.Context) { c.fire(id) })
}

func (c *Subscriptions) fire(id string) {
	if !c.live.claim(id) {
		c.rt.Logger.Info("skip tick, subscription still running", "subscription_id", id)
		return
	}
	defer c.live.release(id)
	ctx := c.context()
	sub, err := c.store.GetSubscription(ctx, id)
	if err != nil {
		c.rt.Logger.Error("load subscription for tick", "subscription_id", id, "err", err)
		return
	}
	c.execute(ctx, sub)
}

// RunNow marks ids queued and pulls them in the background, skipping any
// whose status changed before its lane reached it.
func (c *Subscriptions) RunNow(ctx context.Context, ids []string) error {
	if err := c.store.MarkSubscriptionsQueued(ctx, ids); err != nil {
		return err
	}
	ids = append([]string(nil), ids...)
	c.goRun(func(ctx context.Context) {
		err := core.RunAll(ctx, ids, c.cfg.Concurrency, func(ctx context.Context, _ int, id string) error {
			return c.runQueued(ctx, id)
		})
		if err != nil {
			c.rt.Logger.Error("run subscriptions", "err", err)
		}
	})
	return nil
}

func (c *Subscriptions) runQueued(ctx context.Context, id string) error {
	if !c.live.claim(id) {
		c.rt.Logger.Debug("skip queued run, subscription already running", "subscription_id", id)
		return nil
	}
	defer c.live.release(id)
	sub, err := c.store.GetSubscription(ctx, id)
	if err != nil {
		return fmt.Errorf("load subscription %s: %w", id, err)
	}
	if sub.Status != core.TaskStatusQueued {
		c.rt.Logger.Debug("skip stale queued run", "subscription_id", id, "status", sub.Status)
		return nil
	}
	c.execute(ctx, sub)
	return nil
}

func (c *Subscriptions) execute(ctx context.Context, sub *core.Subscription) {
	command, err := c.command(sub)
	if err != nil {
		c.rt.Logger.Error("build subscription command", "subscription_id", sub.ID, "err", err)
		if err := c.store.UpdateSubscriptionStatus(ctx, sub.ID, core.StatusUpdate{Status: core.TaskStatusIdle}); err != nil {
			c.rt.Logger.Warn("persist idle status", "subscription_id", sub.ID, "err", err)
		}
		return
	}
	c.rt.execute(ctx, runTarget{
		id:         sub.ID,
		kind:       core.RunKindSubscription,
		logOwner:   sub.Alias,
		command:    command,
		setStatus:  c.store.UpdateSubscriptionStatus,
		endEvent:   events.TypeRunSubscriptionEnd,
		endMsg:     "subscription finished",
		beforeHook: sub.SubBefore,
		afterHook:  sub.SubAfter,
	})
}

// command embeds credentials into the url, installing the ssh key when the
// subscription pulls over ssh, and renders the pull tool invocation.
func (c *Subscriptions) command(sub *core.Subscription) (string, error) {
	pullURL, host, err := SubscriptionURL(sub)
	if err != nil {
		return "", err
	}
	if sub.Type == core.SubscriptionPrivateRepo && sub.PullType == core.PullSSHKey {
		if c.keys == nil {
			return "", fmt.Errorf("subscription %s: no ssh key manager configured", sub.ID)
		}
		if err := c.keys.Install(sub.Alias, host, sub.PullOption.PrivateKey); err != nil {
			return "", fmt.Errorf("subscription %s: %w", sub.ID, err)
		}
	}
	return BuildSubscriptionCommand(sub, c.cfg.PullCommand, pullURL), nil
}

// Stop ends the live pulls of ids and resets them to idle. Triggers stay registered.
func (c *Subscriptions) Stop(ctx context.Context, ids []string) error {
	subs, err := c.store.GetSubscriptions(ctx, ids)
	if err != nil {
		return err
	}
	var firstErr error
	for _, sub := range subs {
		pullURL, _, err := SubscriptionURL(sub)
		if err != nil {
			pullURL = sub.URL
		}
		err = c.rt.stop(ctx, stopTarget{
			id:                sub.ID,
			pid:               sub.PID,
			pattern:           BuildSubscriptionCommand(sub, c.cfg.PullCommand, pullURL),
			logPath:           sub.LogPath,
			lastExecutionTime: sub.LastExecutionTime,
			setStatus:         c.store.UpdateSubscriptionStatus,
		})
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop subscription %s: %w", sub.ID, err)
		}
	}
	return firstErr
}

// Enable clears isDisabled and registers triggers again; interval
// subscriptions run once right away.
func (c *Subscriptions) Enable(ctx context.Context, ids []string) error {
	if err := c.store.SetSubscriptionsDisabled(ctx, ids, false); err != nil {
		return err
	}
	subs, err := c.store.GetSubscriptions(ctx, ids)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if err := c.register(sub, true); err != nil {
			return fmt.Errorf("register subscription %s: %w", sub.ID, err)
		}
	}
	return nil
}

// Disable cancels triggers and sets isDisabled. A live pull is left alone.
func (c *Subscriptions) Disable(ctx context.Context, ids []string) error {
	for _, id := range ids {
		c.rt.Triggers.Cancel(subscriptionTriggerID(id))
	}
	return c.store.SetSubscriptionsDisabled(ctx, ids, true)
}

// LatestLog returns the content of the most recent pull log of id.
func (c *Subscriptions) LatestLog(ctx context.Context, id string) (string, error) {
	sub, err := c.store.GetSubscription(ctx, id)
	if err != nil {
		return "", err
	}
	if sub.LogPath == nil {
		return "", nil
	}
	return c.rt.Logs.Read(*sub.LogPath)
}
