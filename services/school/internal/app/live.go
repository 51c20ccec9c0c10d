package app

import (
	"context"
	"time"

	"flownote/pkg/domain"
	"flownote/pkg/feed"
	"flownote/pkg/notify"
)

// WatchPrints emits the school's print list now and after every print
// change, until ctx ends or emit fails. Category and limit behave as in
// ListPrints.
func (a *App) WatchPrints(ctx context.Context, viewer Viewer, category string, limit int, emit func([]domain.Print) error) error {
	return feed.Watch(ctx, a.feed, feed.PrintsTopic(viewer.SchoolID), func(ctx context.Context) error {
		prints, err := a.ListPrints(ctx, viewer, category, limit)
		if err != nil {
			return err
		}
		return emit(prints)
	})
}

// WatchEventsForMonth emits one month of the school calendar now and after
// every event change.
func (a *App) WatchEventsForMonth(ctx context.Context, viewer Viewer, year int, month time.Month, emit func([]domain.Event) error) error {
	if month < time.January || month > time.December {
		return ErrInvalidRange
	}
	return feed.Watch(ctx, a.feed, feed.EventsTopic(viewer.SchoolID), func(ctx context.Context) error {
		events, err := a.EventsForMonth(ctx, viewer, year, month)
		if err != nil {
			return err
		}
		return emit(events)
	})
}

// publish tells live views that something under topic moved. A lost change
// only delays a view, so failures are logged.
func (a *App) publish(ctx context.Context, topic, kind, schoolID, resourceID, actorID string) {
	err := a.feed.Publish(ctx, feed.Change{
		Topic:      topic,
		Kind:       kind,
		SchoolID:   schoolID,
		ResourceID: resourceID,
		ActorID:    actorID,
		At:         a.now(),
	})
	if err != nil {
		a.logger.Warn("feed_publish_failed", "topic", topic, "kind", kind, "err", err)
	}
}

func (a *App) notifyPrint(ctx context.Context, p domain.Print) {
	err := a.notifier.Publish(ctx, notify.EventPrintCreated, notify.PrintCreated{
		SchoolID:   p.SchoolID,
		PrintID:    p.ID,
		Title:      p.Title,
		Category:   p.Category,
		UploadedBy: p.UploadedBy,
	})
	if err != nil {
		a.logger.Warn("notify_publish_failed", "print_id", p.ID, "err", err)
	}
}

func (a *App) notifyEvent(ctx context.Context, e domain.Event) {
	err := a.notifier.Publish(ctx, notify.EventEventCreated, notify.EventCreated{
		SchoolID:  e.SchoolID,
		EventID:   e.ID,
		Title:     e.Title,
		Date:      e.Date,
		Location:  e.Location,
		CreatedBy: e.CreatedBy,
	})
	if err != nil {
		a.logger.Warn("notify_publish_failed", "event_id", e.ID, "err", err)
	}
}
