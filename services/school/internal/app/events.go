package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"flownote/internal/util"
	"flownote/pkg/domain"
	"flownote/pkg/feed"
	"flownote/pkg/store"
)

const defaultUpcomingEvents = 5

// EventInput is a new calendar event.
type EventInput struct {
	Title       string
	Description string
	Date        time.Time
	Location    string
	Items       []string
}

// EventUpdate changes an event; nil fields are left alone.
type EventUpdate struct {
	Title       *string
	Description *string
	Date        *time.Time
	Location    *string
	Items       *[]string
}

// CreateEvent adds an event to the viewer's school calendar.
func (a *App) CreateEvent(ctx context.Context, viewer Viewer, in EventInput) (domain.Event, error) {
	if !viewer.Role.CanPublish() {
		return domain.Event{}, ErrForbidden
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.Event{}, ErrTitleRequired
	}
	if in.Date.IsZero() {
		return domain.Event{}, ErrDateRequired
	}
	now := a.now()
	e := domain.Event{
		ID:          util.NewID(),
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		Date:        in.Date.UTC(),
		Location:    strings.TrimSpace(in.Location),
		Items:       cleanItems(in.Items),
		SchoolID:    viewer.SchoolID,
		CreatedBy:   viewer.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.store.SaveEvent(ctx, e); err != nil {
		return domain.Event{}, fmt.Errorf("save event: %w", err)
	}
	a.logger.Info("event_created", "event_id", e.ID, "school_id", e.SchoolID)
	a.publish(ctx, feed.EventsTopic(e.SchoolID), feed.KindEventCreated, e.SchoolID, e.ID, viewer.ID)
	a.notifyEvent(ctx, e)
	return e, nil
}

func cleanItems(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// EventsForMonth lists the events of one calendar month in UTC.
func (a *App) EventsForMonth(ctx context.Context, viewer Viewer, year int, month time.Month) ([]domain.Event, error) {
	if month < time.January || month > time.December {
		return nil, ErrInvalidRange
	}
	from := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return a.eventsBetween(ctx, viewer, from, from.AddDate(0, 1, 0).Add(-time.Nanosecond))
}

// EventsForYear lists the events of one calendar year in UTC.
func (a *App) EventsForYear(ctx context.Context, viewer Viewer, year int) ([]domain.Event, error) {
	from := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	return a.eventsBetween(ctx, viewer, from, from.AddDate(1, 0, 0).Add(-time.Nanosecond))
}

// TodaysEvents lists events on the UTC day containing now.
func (a *App) TodaysEvents(ctx context.Context, viewer Viewer, now time.Time) ([]domain.Event, error) {
	now = now.UTC()
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return a.eventsBetween(ctx, viewer, from, from.AddDate(0, 0, 1).Add(-time.Nanosecond))
}

// UpcomingEvents returns the next n events from now on.
func (a *App) UpcomingEvents(ctx context.Context, viewer Viewer, now time.Time, n int) ([]domain.Event, error) {
	if n <= 0 {
		n = defaultUpcomingEvents
	}
	from := now.UTC()
	events, err := a.store.ListEvents(ctx, store.EventFilter{SchoolID: viewer.SchoolID, From: &from, Limit: n})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// SearchEvents filters the school calendar by term over title, description
// and location. With a from bound results run forward in time; without one
// the newest come first.
func (a *App) SearchEvents(ctx context.Context, viewer Viewer, term string, from, to *time.Time) ([]domain.Event, error) {
	filter := store.EventFilter{SchoolID: viewer.SchoolID, Descending: from == nil}
	if from != nil {
		f := from.UTC()
		filter.From = &f
	}
	if to != nil {
		t := to.UTC()
		filter.To = &t
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, ErrInvalidRange
	}
	events, err := a.store.ListEvents(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return events, nil
	}
	out := events[:0]
	for _, e := range events {
		if strings.Contains(strings.ToLower(e.Title), term) ||
			strings.Contains(strings.ToLower(e.Description), term) ||
			strings.Contains(strings.ToLower(e.Location), term) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (a *App) eventsBetween(ctx context.Context, viewer Viewer, from, to time.Time) ([]domain.Event, error) {
	events, err := a.store.ListEvents(ctx, store.EventFilter{SchoolID: viewer.SchoolID, From: &from, To: &to})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// GetEvent returns an event of the viewer's school.
func (a *App) GetEvent(ctx context.Context, viewer Viewer, id string) (domain.Event, error) {
	e, ok, err := a.store.GetEvent(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Event{}, fmt.Errorf("fetch event: %w", err)
	}
	if !ok || e.SchoolID != viewer.SchoolID {
		return domain.Event{}, ErrEventNotFound
	}
	return e, nil
}

// UpdateEvent applies a partial update. Only the creator or an admin may edit.
func (a *App) UpdateEvent(ctx context.Context, viewer Viewer, id string, in EventUpdate) (domain.Event, error) {
	e, err := a.GetEvent(ctx, viewer, id)
	if err != nil {
		return domain.Event{}, err
	}
	if !canManage(viewer, e.CreatedBy) {
		return domain.Event{}, ErrForbidden
	}
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return domain.Event{}, ErrTitleRequired
		}
		e.Title = title
	}
	if in.Description != nil {
		e.Description = strings.TrimSpace(*in.Description)
	}
	if in.Date != nil {
		if in.Date.IsZero() {
			return domain.Event{}, ErrDateRequired
		}
		e.Date = in.Date.UTC()
	}
	if in.Location != nil {
		e.Location = strings.TrimSpace(*in.Location)
	}
	if in.Items != nil {
		e.Items = cleanItems(*in.Items)
	}
	e.UpdatedAt = a.now()
	if err := a.store.SaveEvent(ctx, e); err != nil {
		return domain.Event{}, fmt.Errorf("save event: %w", err)
	}
	a.publish(ctx, feed.EventsTopic(e.SchoolID), feed.KindEventUpdated, e.SchoolID, e.ID, viewer.ID)
	return e, nil
}

// DeleteEvent removes an event. Only the creator or an admin may delete.
func (a *App) DeleteEvent(ctx context.Context, viewer Viewer, id string) error {
	e, err := a.GetEvent(ctx, viewer, id)
	if err != nil {
		return err
	}
	if !canManage(viewer, e.CreatedBy) {
		return ErrForbidden
	}
	if err := a.store.DeleteEvent(ctx, e.ID); err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	a.logger.Info("event_deleted", "event_id", e.ID, "by", viewer.ID)
	a.publish(ctx, feed.EventsTopic(e.SchoolID), feed.KindEventDeleted, e.SchoolID, e.ID, viewer.ID)
	return nil
}
