package collab

import (
	"errors"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func ParseId(idStr string) (Id, error) {
	u, err := ulid.ParseStrict(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(u), nil
}

func RequireId(idStr string) Id {
	id, err := ParseId(idStr)
	if err != nil {
		panic(err)
	}
	return id
}

func (self Id) IsZero() bool {
	return self == Id{}
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

func (self Id) MarshalText() ([]byte, error) {
	return []byte(self.String()), nil
}

func (self *Id) UnmarshalText(src []byte) error {
	id, err := ParseId(string(src))
	if err != nil {
		return err
	}
	*self = id
	return nil
}

// exactly one of UserId or GuestSessionId is set
type CreatorRef struct {
	UserId         string `json:"userId,omitempty"`
	GuestSessionId string `json:"guestSessionId,omitempty"`
}

func UserCreator(userId string) CreatorRef {
	return CreatorRef{UserId: userId}
}

func GuestCreator(guestSessionId string) CreatorRef {
	return CreatorRef{GuestSessionId: guestSessionId}
}

func (self CreatorRef) Validate() error {
	if self.UserId == "" && self.GuestSessionId == "" {
		return errors.New("creator must have a user id or a guest session id")
	}
	if self.UserId != "" && self.GuestSessionId != "" {
		return errors.New("creator cannot have both a user id and a guest session id")
	}
	return nil
}

// board lifecycle is owned outside the sync core.
// the core reads only BoardId to scope operations.
type Board struct {
	BoardId    Id             `json:"boardId"`
	OwnerId    string         `json:"ownerId"`
	ShareToken string         `json:"shareToken,omitempty"`
	Settings   map[string]any `json:"settings,omitempty"`
}

type ElementKind string

const (
	ElementStroke    ElementKind = "stroke"
	ElementRectangle ElementKind = "rectangle"
	ElementCircle    ElementKind = "circle"
	ElementText      ElementKind = "text"
)

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// discriminated by Type. Geometry fields not used by the kind are zero.
type ElementPayload struct {
	Type        ElementKind `json:"type"`
	X           float64     `json:"x,omitempty"`
	Y           float64     `json:"y,omitempty"`
	Width       float64     `json:"width,omitempty"`
	Height      float64     `json:"height,omitempty"`
	Radius      float64     `json:"radius,omitempty"`
	Points      []Point     `json:"points,omitempty"`
	Text        string      `json:"text,omitempty"`
	FontSize    float64     `json:"fontSize,omitempty"`
	Color       string      `json:"color,omitempty"`
	StrokeWidth float64     `json:"strokeWidth,omitempty"`
}

type Element struct {
	ElementId  Id             `json:"elementId"`
	BoardId    Id             `json:"boardId"`
	Payload    ElementPayload `json:"payload"`
	ZIndex     int            `json:"zIndex"`
	CreatedBy  CreatorRef     `json:"createdBy"`
	CreateTime time.Time      `json:"createTime"`
	UpdateTime time.Time      `json:"updateTime"`
}

func (self *Element) Copy() *Element {
	element := *self
	element.Payload.Points = slices.Clone(self.Payload.Points)
	return &element
}

// paint order is z index ascending. z values are not necessarily
// contiguous. Ties break by create time.
func SortForPaint(elements []*Element) {
	slices.SortStableFunc(elements, func(a *Element, b *Element) int {
		if a.ZIndex != b.ZIndex {
			return a.ZIndex - b.ZIndex
		}
		return a.CreateTime.Compare(b.CreateTime)
	})
}
