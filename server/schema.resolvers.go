package server

import (
	"context"
	"encoding/json"

	"github.com/ZamarianPatrick/lazypig-plantcare/logx"
	"github.com/ZamarianPatrick/lazypig-plantcare/model"
	"github.com/ZamarianPatrick/lazypig-plantcare/notify"
	"github.com/ZamarianPatrick/lazypig-plantcare/watering"
)

func (r *mutationResolver) StartWatering(ctx context.Context, plantID uint64) (*model.Plant, error) {
	user, err := r.manualCaller(ctx)
	if err != nil {
		return nil, err
	}
	return r.controller.Scheduler().Executor().StartWatering(ctx, user, plantID)
}

func (r *mutationResolver) StopWatering(ctx context.Context, plantID uint64, duration *int) (*model.Plant, error) {
	user, err := r.manualCaller(ctx)
	if err != nil {
		return nil, err
	}
	return r.controller.Scheduler().Executor().StopWatering(ctx, user, plantID, duration)
}

func (r *mutationResolver) Evaluate(ctx context.Context) (watering.CycleReport, error) {
	return r.controller.Scheduler().RunOnce(ctx)
}

func (r *queryResolver) Plant(ctx context.Context, id uint64) (*model.Plant, error) {
	return r.loadOwned(ctx, callerOf(ctx), id, false)
}

func (r *queryResolver) WindowStatus(ctx context.Context, plantID uint64) (watering.WindowStatus, error) {
	if _, err := r.loadOwned(ctx, callerOf(ctx), plantID, false); err != nil {
		return watering.WindowStatus{}, err
	}
	return r.controller.Scheduler().WindowStatus(ctx, plantID)
}

func (r *queryResolver) PlantStats(ctx context.Context, plantID uint64) (model.PlantStats, error) {
	plant, err := r.loadOwned(ctx, callerOf(ctx), plantID, true)
	if err != nil {
		return model.PlantStats{}, err
	}
	return plant.Stats(statsHistory), nil
}

// Events streams the caller's events until ctx is done. Each event is the
// payload's fields plus its name under "event".
func (r *subscriptionResolver) Events(ctx context.Context) (<-chan map[string]interface{}, error) {
	_, messages := r.controller.Hub().Subscribe(ctx, callerOf(ctx))

	out := make(chan map[string]interface{}, 1)
	go func() {
		defer close(out)
		for data := range messages {
			var env struct {
				Event notify.Event           `json:"event"`
				Data  map[string]interface{} `json:"data"`
			}
			if err := json.Unmarshal(data, &env); err != nil {
				r.log.Warn("decoding event failed", logx.Err(err))
				continue
			}
			if env.Data == nil {
				env.Data = map[string]interface{}{}
			}
			env.Data["event"] = string(env.Event)
			select {
			case out <- env.Data:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// manualCaller is the acting user of a manual watering, subject to the
// per-user rate limit.
func (r *Resolver) manualCaller(ctx context.Context) (uint64, error) {
	user := callerOf(ctx)
	if r.manualRate > 0 && !r.limiters.Allow(user) {
		return 0, errTooManyRequests
	}
	return user, nil
}

func (r *Resolver) Mutation() *mutationResolver { return &mutationResolver{r} }

func (r *Resolver) Query() *queryResolver { return &queryResolver{r} }

func (r *Resolver) Subscription() *subscriptionResolver { return &subscriptionResolver{r} }

type mutationResolver struct{ *Resolver }
type queryResolver struct{ *Resolver }
type subscriptionResolver struct{ *Resolver }
