package models

import "time"

// Page is a tracked page. Slug is its identity and never changes.
type Page struct {
	ID        int64     `json:"id"`
	Slug      string    `json:"slug"`
	Title     string    `json:"title"`
	RawHTML   string    `json:"-"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
}

// PageVariant is an optional layout of a Page, unique by (page, key).
type PageVariant struct {
	ID           int64     `json:"id"`
	PageID       int64     `json:"pageId"`
	Key          string    `json:"key"`
	Name         string    `json:"name"`
	TemplateName string    `json:"templateName,omitempty"`
	Layout       Payload   `json:"layout,omitempty"`
	IsActive     bool      `json:"isActive"`
	CreatedAt    time.Time `json:"createdAt"`
}
