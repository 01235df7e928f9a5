package partner

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ashureev/bizpartner/internal/domain"
	"github.com/ashureev/bizpartner/internal/instructions"
	"github.com/ashureev/bizpartner/internal/llm"
)

// Defaults for values missing from a photo analysis reply.
const (
	DefaultScore        = 7.5
	DefaultStockLevel   = "medium"
	DefaultLayout       = "cannot_tell"
	DefaultAuthenticity = "unclear"
	DefaultDuplicate    = "new_angle_or_scene"
	DefaultInsight      = "Photo analyzed successfully"
	DefaultCoachingTip  = "Continue maintaining your business well"
	defaultMediaType    = "image/jpeg"
)

var (
	stockLevels   = []string{"low", "medium", "high"}
	layoutTypes   = []string{"street_stall", "market_stall", "small_shop", "food_stand", "salon_or_barbershop", "workshop", "home_based_other", "cannot_tell"}
	authenticity  = []string{"looks_genuine", "looks_like_stock_photo", "unclear"}
	duplicateTags = []string{"new_angle_or_scene", "possible_duplicate_of_previous"}
	fieldPrefixes = []string{"cleanliness", "organization", "stock", "business", "layout", "evidence", "authenticity", "duplicate", "observations", "coaching"}
)

// newPhotos returns the images attached to the latest user message.
func newPhotos(s *domain.State) []domain.Photo {
	m, ok := s.LatestUserMessage()
	if !ok {
		return nil
	}
	var photos []domain.Photo
	for _, part := range m.Images() {
		fallback := part.MediaType
		if fallback == "" {
			fallback = defaultMediaType
		}
		mediaType, data := llm.SplitDataURL(part.Data, fallback)
		if data == "" {
			continue
		}
		photos = append(photos, domain.Photo{MediaType: mediaType, Data: data, ReceivedAt: s.Now()})
	}
	return photos
}

// analyzePhotos analyzes every photo that has no insight yet, in parallel,
// and returns the insights in photo order.
func (p *Partner) analyzePhotos(ctx context.Context, s *domain.State) ([]domain.PhotoInsight, error) {
	start := len(s.PhotoInsights)
	if start >= len(s.Photos) {
		return nil, nil
	}

	insights := make([]domain.PhotoInsight, len(s.Photos)-start)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.photoConcurrency)
	for i := start; i < len(s.Photos); i++ {
		g.Go(func() error {
			insight, err := p.analyzePhoto(gctx, s, i)
			if err != nil {
				return err
			}
			insights[i-start] = insight
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return insights, nil
}

func (p *Partner) analyzePhoto(ctx context.Context, s *domain.State, index int) (domain.PhotoInsight, error) {
	photo := s.Photos[index]
	context := fmt.Sprintf("Business type: %s, Location: %s",
		s.Business.Type.OrElse("unknown"), s.Business.Location.OrElse("unknown"))

	reply, err := p.gen.Generate(ctx, llm.Request{
		Purpose: llm.PurposePhoto,
		System:  p.instr.Get(ctx, instructions.NamePhoto),
		Messages: []domain.Message{{
			Role: domain.RoleUserMessage,
			Parts: []domain.ContentPart{
				{Type: domain.PartImage, MediaType: photo.MediaType, Data: photo.Data},
				{Type: domain.PartText, Text: "Analyze this business photo. Context: " + context},
			},
			CreatedAt: s.Now(),
		}},
		MaxTokens: 1024,
	})
	if err != nil {
		if ctx.Err() != nil {
			return domain.PhotoInsight{}, fmt.Errorf("analyze photo %d: %w", index, ctx.Err())
		}
		p.logger.Warn("photo analysis failed, using defaults",
			"session_id", s.SessionID,
			"photo_index", index,
			"error", err)
		reply = ""
	}
	return ParseAnalysis(reply, index), nil
}

// ParseAnalysis reads a photo analysis reply. Anything missing or out of
// range takes its documented default.
func ParseAnalysis(text string, index int) domain.PhotoInsight {
	in := domain.PhotoInsight{
		PhotoIndex:        index,
		CleanlinessScore:  DefaultScore,
		OrganizationScore: DefaultScore,
		StockLevel:        DefaultStockLevel,
		LayoutType:        DefaultLayout,
		EvidenceFlags:     []string{},
		AuthenticityFlag:  DefaultAuthenticity,
		DuplicateFlag:     DefaultDuplicate,
	}

	var section string
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		key, value, hasColon := strings.Cut(line, ":")
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		lowerValue := strings.ToLower(value)

		switch {
		case hasColon && key == "cleanliness":
			in.CleanlinessScore = parseScore(value, in.CleanlinessScore)
		case hasColon && key == "organization":
			in.OrganizationScore = parseScore(value, in.OrganizationScore)
		case hasColon && key == "stock level":
			in.StockLevel = oneOf(lowerValue, stockLevels, in.StockLevel)
		case hasColon && (key == "layout type" || key == "business layout type" || key == "business_layout_type"):
			in.LayoutType = oneOf(lowerValue, layoutTypes, in.LayoutType)
		case hasColon && (key == "evidence flags" || key == "evidence_flags" || key == "evidence"):
			in.EvidenceFlags = parseFlags(value)
		case hasColon && key == "authenticity flag":
			in.AuthenticityFlag = oneOf(lowerValue, authenticity, in.AuthenticityFlag)
		case hasColon && key == "duplicate flag":
			in.DuplicateFlag = oneOf(lowerValue, duplicateTags, in.DuplicateFlag)
		case hasColon && strings.HasPrefix(key, "photo note"):
			in.PhotoNote = value
		case hasColon && key == "observations":
			section = "observations"
		case hasColon && key == "coaching tips":
			section = "coaching"
		case strings.HasPrefix(line, "-") || strings.HasPrefix(line, "•"):
			item := strings.TrimSpace(strings.TrimLeft(line, "-•"))
			switch section {
			case "observations":
				in.Insights = append(in.Insights, item)
			case "coaching":
				in.CoachingTips = append(in.CoachingTips, item)
			}
		case section == "" && in.PhotoNote != "" && !hasFieldPrefix(line):
			in.PhotoNote += " " + line
		}
	}

	if len(in.Insights) == 0 {
		in.Insights = []string{DefaultInsight}
	}
	if len(in.CoachingTips) == 0 {
		in.CoachingTips = []string{DefaultCoachingTip}
	}
	return in
}

func parseScore(value string, fallback float64) float64 {
	num, _, _ := strings.Cut(value, "/")
	num = strings.Trim(strings.TrimSpace(num), "[]")
	f, err := strconv.ParseFloat(num, 64)
	if err != nil || f < 0 || f > 10 {
		return fallback
	}
	return f
}

func oneOf(value string, allowed []string, fallback string) string {
	value = strings.Trim(value, `[]"' `)
	if slices.Contains(allowed, value) {
		return value
	}
	return fallback
}

func parseFlags(value string) []string {
	flags := []string{}
	for _, f := range strings.Split(strings.Trim(value, "[]"), ",") {
		f = strings.Trim(strings.TrimSpace(f), `"'`)
		if f != "" {
			flags = append(flags, f)
		}
	}
	return flags
}

func hasFieldPrefix(line string) bool {
	lower := strings.ToLower(line)
	for _, prefix := range fieldPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}
