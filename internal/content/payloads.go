package content

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/tyemirov/harborhope/internal/refresh"
)

// SchemaVersion is the payload schema written by this build.
const SchemaVersion = 1

var (
	ErrUnsupportedVersion = errors.New("content.unsupported_version")
	ErrInvalidPayload     = errors.New("content.invalid_payload")
)

// Body is the typed payload of one section.
type Body interface {
	Validate() error
}

// Document is a section payload as stored and served.
// Stored is false when the section was never saved and Body holds defaults.
type Document struct {
	Section   refresh.Section `json:"section"`
	Version   int             `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	Stored    bool            `json:"stored"`
	Body      Body            `json:"body"`
}

// Link is a labelled outbound URL.
type Link struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

type Hero struct {
	Title        string `json:"title"`
	Subtitle     string `json:"subtitle"`
	ImageURL     string `json:"image_url"`
	CallToAction Link   `json:"call_to_action"`
}

type Mission struct {
	Heading    string   `json:"heading"`
	Statement  string   `json:"statement"`
	Highlights []string `json:"highlights"`
}

type Metric struct {
	Label string `json:"label"`
	Value int64  `json:"value"`
	Unit  string `json:"unit"`
}

type Metrics struct {
	Heading string   `json:"heading"`
	Items   []Metric `json:"items"`
}

// Donation carries the bank transfer instructions mailed to donors.
type Donation struct {
	Heading       string `json:"heading"`
	Instructions  string `json:"instructions"`
	BankName      string `json:"bank_name"`
	AccountHolder string `json:"account_holder"`
	AccountNumber string `json:"account_number"`
	ContactEmail  string `json:"contact_email"`
}

type Footer struct {
	Organization string `json:"organization"`
	Address      string `json:"address"`
	Email        string `json:"email"`
	Phone        string `json:"phone"`
	Links        []Link `json:"links"`
}

type Entry struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Summary     string    `json:"summary"`
	URL         string    `json:"url"`
	MediaURL    string    `json:"media_url"`
	PublishedAt time.Time `json:"published_at"`
}

// Entries is the payload of the list sections: news, stories, and videos.
type Entries struct {
	Heading string  `json:"heading"`
	Items   []Entry `json:"items"`
}

// Defaults returns the body rendered for a section that was never saved.
func Defaults(section refresh.Section) (Body, error) {
	switch section {
	case refresh.SectionHero:
		return &Hero{
			Title:        "Together we build a safe harbor",
			Subtitle:     "Support families in our community",
			CallToAction: Link{Label: "Donate", URL: "/donate"},
		}, nil
	case refresh.SectionMission:
		return &Mission{Heading: "Our mission", Highlights: []string{}}, nil
	case refresh.SectionMetrics:
		return &Metrics{Heading: "Our impact", Items: []Metric{}}, nil
	case refresh.SectionDonation:
		return &Donation{Heading: "Support our work"}, nil
	case refresh.SectionFooter:
		return &Footer{Links: []Link{}}, nil
	case refresh.SectionNews:
		return &Entries{Heading: "News", Items: []Entry{}}, nil
	case refresh.SectionStories:
		return &Entries{Heading: "Stories", Items: []Entry{}}, nil
	case refresh.SectionVideos:
		return &Entries{Heading: "Videos", Items: []Entry{}}, nil
	default:
		return nil, fmt.Errorf("content.defaults: %w: %q", refresh.ErrUnknownSection, section)
	}
}

// Decode parses raw over the section defaults, so omitted fields keep their default values.
// Version zero is read as the current schema.
func Decode(section refresh.Section, version int, raw []byte) (Body, error) {
	if version > SchemaVersion || version < 0 {
		return nil, fmt.Errorf("content.decode: %w: %d", ErrUnsupportedVersion, version)
	}
	body, err := Defaults(section)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return body, nil
	}
	if err := json.Unmarshal(raw, body); err != nil {
		return nil, fmt.Errorf("content.decode: %w: %v", ErrInvalidPayload, err)
	}
	return body, nil
}

func (hero *Hero) Validate() error {
	if strings.TrimSpace(hero.Title) == "" {
		return invalid("hero title is required")
	}
	if err := validateOptionalURL("hero image", hero.ImageURL); err != nil {
		return err
	}
	return validateLink("hero call to action", hero.CallToAction)
}

func (mission *Mission) Validate() error {
	if strings.TrimSpace(mission.Statement) == "" {
		return invalid("mission statement is required")
	}
	return nil
}

func (metrics *Metrics) Validate() error {
	for index, item := range metrics.Items {
		if strings.TrimSpace(item.Label) == "" {
			return invalid(fmt.Sprintf("metric %d has no label", index))
		}
		if item.Value < 0 {
			return invalid(fmt.Sprintf("metric %q is negative", item.Label))
		}
	}
	return nil
}

func (donation *Donation) Validate() error {
	if strings.TrimSpace(donation.Instructions) == "" {
		return invalid("donation instructions are required")
	}
	if donation.ContactEmail != "" {
		if _, err := mail.ParseAddress(donation.ContactEmail); err != nil {
			return invalid("donation contact email is malformed")
		}
	}
	return nil
}

func (footer *Footer) Validate() error {
	if footer.Email != "" {
		if _, err := mail.ParseAddress(footer.Email); err != nil {
			return invalid("footer email is malformed")
		}
	}
	for _, link := range footer.Links {
		if err := validateLink("footer link", link); err != nil {
			return err
		}
	}
	return nil
}

func (entries *Entries) Validate() error {
	seen := make(map[string]struct{}, len(entries.Items))
	for index, item := range entries.Items {
		if strings.TrimSpace(item.Title) == "" {
			return invalid(fmt.Sprintf("entry %d has no title", index))
		}
		if item.ID != "" {
			if _, duplicate := seen[item.ID]; duplicate {
				return invalid(fmt.Sprintf("entry id %q is repeated", item.ID))
			}
			seen[item.ID] = struct{}{}
		}
		if err := validateOptionalURL("entry url", item.URL); err != nil {
			return err
		}
		if err := validateOptionalURL("entry media", item.MediaURL); err != nil {
			return err
		}
	}
	return nil
}

func validateLink(field string, link Link) error {
	if link.URL == "" {
		return nil
	}
	if strings.TrimSpace(link.Label) == "" {
		return invalid(field + " needs a label")
	}
	return validateOptionalURL(field, link.URL)
}

// validateOptionalURL accepts site-relative paths and absolute http(s) URLs.
func validateOptionalURL(field string, value string) error {
	if value == "" || strings.HasPrefix(value, "/") && !strings.HasPrefix(value, "//") {
		return nil
	}
	parsed, err := url.Parse(value)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return invalid(field + " must be an http(s) url or a site path")
	}
	return nil
}

func invalid(message string) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, message)
}
