package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"pageinsight/api/logger"
	"pageinsight/api/models"
	"pageinsight/api/rules"
)

type fixtureFile struct {
	Pages []pageFixture `yaml:"pages"`
}

type pageFixture struct {
	Slug     string           `yaml:"slug"`
	Title    string           `yaml:"title"`
	Inactive bool             `yaml:"inactive"`
	Variants []variantFixture `yaml:"variants"`
	Goals    []goalFixture    `yaml:"goals"`
}

type variantFixture struct {
	Key      string         `yaml:"key"`
	Name     string         `yaml:"name"`
	Template string         `yaml:"template"`
	Layout   map[string]any `yaml:"layout"`
	Inactive bool           `yaml:"inactive"`
}

type goalFixture struct {
	Name     string         `yaml:"name"`
	Inactive bool           `yaml:"inactive"`
	Rule     map[string]any `yaml:"rule"`
}

type seedResult struct {
	pagesCreated    int
	variantsCreated int
	goalsUpserted   int
}

func loadFixtures(path string) (*fixtureFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseFixtures(raw)
}

func parseFixtures(raw []byte) (*fixtureFile, error) {
	var f fixtureFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse fixtures: %w", err)
	}
	for i, p := range f.Pages {
		if strings.TrimSpace(p.Slug) == "" {
			return nil, fmt.Errorf("page %d: slug is required", i)
		}
		for j, g := range p.Goals {
			if strings.TrimSpace(g.Name) == "" {
				return nil, fmt.Errorf("page %q goal %d: name is required", p.Slug, j)
			}
		}
	}
	return &f, nil
}

// apply writes fixtures through st. Goals whose rule can never match are
// still stored, with a warning, so they show up for the page author.
func apply(ctx context.Context, st seedStore, f *fixtureFile, log logger.Logger) (seedResult, error) {
	var res seedResult
	for _, pf := range f.Pages {
		page, created, err := ensurePage(ctx, st, pf)
		if err != nil {
			return res, err
		}
		if created {
			res.pagesCreated++
		}

		for _, vf := range pf.Variants {
			created, err := ensureVariant(ctx, st, page.ID, vf)
			if err != nil {
				return res, fmt.Errorf("page %q variant %q: %w", pf.Slug, vf.Key, err)
			}
			if created {
				res.variantsCreated++
			}
		}

		for _, gf := range pf.Goals {
			rule := models.Payload(gf.Rule)
			if never, ok := rules.Compile(rule).(rules.Never); ok {
				log.Warn("Goal rule never matches",
					logger.String("page", pf.Slug),
					logger.String("goal", gf.Name),
					logger.String("reason", never.Reason),
				)
			}
			g := &models.Goal{PageID: page.ID, Name: gf.Name, IsActive: !gf.Inactive, Rule: rule}
			if err := st.UpsertGoal(ctx, g); err != nil {
				return res, fmt.Errorf("page %q goal %q: %w", pf.Slug, gf.Name, err)
			}
			res.goalsUpserted++
		}
	}
	return res, nil
}

func ensurePage(ctx context.Context, st seedStore, pf pageFixture) (*models.Page, bool, error) {
	page, err := st.PageBySlug(ctx, pf.Slug)
	if err == nil {
		return page, false, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, false, fmt.Errorf("page %q: %w", pf.Slug, err)
	}

	page = &models.Page{Slug: pf.Slug, Title: pf.Title, IsActive: !pf.Inactive}
	if err := st.CreatePage(ctx, page); err != nil {
		return nil, false, fmt.Errorf("create page %q: %w", pf.Slug, err)
	}
	return page, true, nil
}

func ensureVariant(ctx context.Context, st seedStore, pageID int64, vf variantFixture) (bool, error) {
	if _, err := st.VariantByKey(ctx, pageID, vf.Key); err == nil {
		return false, nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return false, err
	}

	v := &models.PageVariant{
		PageID:       pageID,
		Key:          vf.Key,
		Name:         vf.Name,
		TemplateName: vf.Template,
		Layout:       models.Payload(vf.Layout),
		IsActive:     !vf.Inactive,
	}
	return true, st.CreateVariant(ctx, v)
}
