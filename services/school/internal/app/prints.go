package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/ledongthuc/pdf"

	"flownote/internal/util"
	"flownote/pkg/domain"
	"flownote/pkg/feed"
	"flownote/pkg/storage"
	"flownote/pkg/store"
)

const (
	defaultPrintLimit   = 50
	maxPrintLimit       = 100
	searchPrintWindow   = 100
	defaultRecentPrints = 5
	defaultCategory     = "general"
	allCategories       = "all"
)

// PrintUpload is a new print and its file.
type PrintUpload struct {
	Title       string
	Description string
	Category    string
	FileName    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// PrintUpdate changes print metadata; nil fields are left alone.
type PrintUpdate struct {
	Title       *string
	Description *string
	Category    *string
}

// UploadPrint stores the file and records the print. Only teachers and
// admins publish prints.
func (a *App) UploadPrint(ctx context.Context, viewer Viewer, in PrintUpload) (domain.Print, error) {
	if !viewer.Role.CanPublish() {
		return domain.Print{}, ErrForbidden
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.Print{}, ErrTitleRequired
	}
	if in.Body == nil {
		return domain.Print{}, ErrFileRequired
	}
	if in.Size > a.maxPrintBytes {
		return domain.Print{}, fmt.Errorf("%w: limit is %d bytes", ErrFileTooLarge, a.maxPrintBytes)
	}
	data, err := io.ReadAll(io.LimitReader(in.Body, a.maxPrintBytes+1))
	if err != nil {
		return domain.Print{}, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > a.maxPrintBytes {
		return domain.Print{}, fmt.Errorf("%w: limit is %d bytes", ErrFileTooLarge, a.maxPrintBytes)
	}
	if len(data) == 0 {
		return domain.Print{}, ErrFileRequired
	}

	now := a.now()
	p := domain.Print{
		ID:          util.NewID(),
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		FileName:    storage.SafeName(in.FileName, "print"),
		ContentType: strings.TrimSpace(in.ContentType),
		SizeBytes:   int64(len(data)),
		Category:    normalizeCategory(in.Category),
		SchoolID:    viewer.SchoolID,
		UploadedBy:  viewer.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if p.ContentType == "" {
		p.ContentType = "application/octet-stream"
	}
	if isPDF(p.ContentType, p.FileName) {
		p.PageCount = a.pageCount(data)
	}
	p.StorageKey = storage.Key("prints", p.SchoolID, p.ID, p.FileName)

	if err := a.objects.Put(ctx, p.StorageKey, bytes.NewReader(data), p.SizeBytes, p.ContentType); err != nil {
		return domain.Print{}, fmt.Errorf("%w: %w", ErrPrintUpload, err)
	}
	if url, err := a.objects.PresignGet(ctx, p.StorageKey, a.presignExpiry); err == nil {
		p.FileURL = url
	}
	if err := a.store.SavePrint(ctx, p); err != nil {
		a.deleteBlob(ctx, p.StorageKey)
		return domain.Print{}, fmt.Errorf("save print: %w", err)
	}
	a.logger.Info("print_uploaded", "print_id", p.ID, "school_id", p.SchoolID, "size", p.SizeBytes, "pages", p.PageCount)
	a.publish(ctx, feed.PrintsTopic(p.SchoolID), feed.KindPrintCreated, p.SchoolID, p.ID, viewer.ID)
	a.notifyPrint(ctx, p)
	return p, nil
}

// pageCount reads the PDF page count. Unreadable files count as zero pages;
// the pdf reader panics on some malformed input.
func (a *App) pageCount(data []byte) (pages int) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Warn("pdf_page_count_failed", "err", r)
			pages = 0
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		a.logger.Warn("pdf_page_count_failed", "err", err)
		return 0
	}
	return reader.NumPage()
}

func isPDF(contentType, name string) bool {
	return strings.EqualFold(contentType, "application/pdf") || strings.EqualFold(path.Ext(name), ".pdf")
}

func normalizeCategory(category string) string {
	category = strings.TrimSpace(category)
	if category == "" || strings.EqualFold(category, allCategories) {
		return defaultCategory
	}
	return category
}

// ListPrints returns the school's newest prints. An empty category or "all"
// lists every category.
func (a *App) ListPrints(ctx context.Context, viewer Viewer, category string, limit int) ([]domain.Print, error) {
	if limit <= 0 {
		limit = defaultPrintLimit
	}
	if limit > maxPrintLimit {
		limit = maxPrintLimit
	}
	category = strings.TrimSpace(category)
	if strings.EqualFold(category, allCategories) {
		category = ""
	}
	prints, err := a.store.ListPrints(ctx, store.PrintFilter{SchoolID: viewer.SchoolID, Category: category, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("list prints: %w", err)
	}
	return prints, nil
}

// SearchPrints matches term against title and description of the latest
// prints, case-insensitively.
func (a *App) SearchPrints(ctx context.Context, viewer Viewer, term, category string) ([]domain.Print, error) {
	prints, err := a.ListPrints(ctx, viewer, category, searchPrintWindow)
	if err != nil {
		return nil, err
	}
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return prints, nil
	}
	out := prints[:0]
	for _, p := range prints {
		if strings.Contains(strings.ToLower(p.Title), term) || strings.Contains(strings.ToLower(p.Description), term) {
			out = append(out, p)
		}
	}
	return out, nil
}

// RecentPrints returns the n newest prints for the dashboard.
func (a *App) RecentPrints(ctx context.Context, viewer Viewer, n int) ([]domain.Print, error) {
	if n <= 0 {
		n = defaultRecentPrints
	}
	return a.ListPrints(ctx, viewer, "", n)
}

// Categories lists the school's print categories in order.
func (a *App) Categories(ctx context.Context, viewer Viewer) ([]string, error) {
	categories, err := a.store.ListPrintCategories(ctx, viewer.SchoolID)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	return categories, nil
}

// GetPrint returns a print of the viewer's school.
func (a *App) GetPrint(ctx context.Context, viewer Viewer, id string) (domain.Print, error) {
	p, ok, err := a.store.GetPrint(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Print{}, fmt.Errorf("fetch print: %w", err)
	}
	if !ok || p.SchoolID != viewer.SchoolID {
		return domain.Print{}, ErrPrintNotFound
	}
	return p, nil
}

// UpdatePrint edits metadata. Only the uploader or an admin may edit.
func (a *App) UpdatePrint(ctx context.Context, viewer Viewer, id string, in PrintUpdate) (domain.Print, error) {
	p, err := a.GetPrint(ctx, viewer, id)
	if err != nil {
		return domain.Print{}, err
	}
	if !canManage(viewer, p.UploadedBy) {
		return domain.Print{}, ErrForbidden
	}
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return domain.Print{}, ErrTitleRequired
		}
		p.Title = title
	}
	if in.Description != nil {
		p.Description = strings.TrimSpace(*in.Description)
	}
	if in.Category != nil {
		p.Category = normalizeCategory(*in.Category)
	}
	p.UpdatedAt = a.now()
	if err := a.store.SavePrint(ctx, p); err != nil {
		return domain.Print{}, fmt.Errorf("save print: %w", err)
	}
	a.publish(ctx, feed.PrintsTopic(p.SchoolID), feed.KindPrintUpdated, p.SchoolID, p.ID, viewer.ID)
	return p, nil
}

// DeletePrint removes the file and then the print. A file that cannot be
// removed is logged and does not block the delete.
func (a *App) DeletePrint(ctx context.Context, viewer Viewer, id string) error {
	p, err := a.GetPrint(ctx, viewer, id)
	if err != nil {
		return err
	}
	if !canManage(viewer, p.UploadedBy) {
		return ErrForbidden
	}
	a.deleteBlob(ctx, p.StorageKey)
	if err := a.store.DeletePrint(ctx, p.ID); err != nil {
		return fmt.Errorf("delete print: %w", err)
	}
	a.logger.Info("print_deleted", "print_id", p.ID, "by", viewer.ID)
	a.publish(ctx, feed.PrintsTopic(p.SchoolID), feed.KindPrintDeleted, p.SchoolID, p.ID, viewer.ID)
	return nil
}

// DownloadURL presigns a fresh link to the print's file.
func (a *App) DownloadURL(ctx context.Context, viewer Viewer, id string) (string, error) {
	p, err := a.GetPrint(ctx, viewer, id)
	if err != nil {
		return "", err
	}
	url, err := a.objects.PresignGet(ctx, p.StorageKey, a.presignExpiry)
	if err != nil {
		return "", fmt.Errorf("presign print: %w", err)
	}
	return url, nil
}

func (a *App) deleteBlob(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := a.objects.Delete(context.WithoutCancel(ctx), key); err != nil {
		a.logger.Error("blob_delete_failed", "key", key, "err", err)
	}
}
