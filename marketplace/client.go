// Package marketplace is a typed client for the marketplace API. Every call
// goes through the session gateway, so an expired access token is refreshed
// transparently and a dead session surfaces as session.ErrSessionExpired.
package marketplace

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-authgate/marketplace-cli/session"
)

// Tool is a listing that can be rented.
type Tool struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category,omitempty"`
	PricePerDay float64  `json:"pricePerDay"`
	Location    string   `json:"location,omitempty"`
	Images      []string `json:"images,omitempty"`
	OwnerID     string   `json:"ownerId,omitempty"`
	Available   bool     `json:"available"`
}

// ToolInput is the writable part of a Tool.
type ToolInput struct {
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Category    string  `json:"category,omitempty"`
	PricePerDay float64 `json:"pricePerDay"`
	Location    string  `json:"location,omitempty"`
	Available   *bool   `json:"available,omitempty"`
}

// ToolFilter narrows ListTools. Zero fields are not sent.
type ToolFilter struct {
	Query    string
	Category string
	Location string
	MinPrice float64
	MaxPrice float64
	Page     int
	Limit    int
}

func (f ToolFilter) values() url.Values {
	v := url.Values{}
	if f.Query != "" {
		v.Set("q", f.Query)
	}
	if f.Category != "" {
		v.Set("category", f.Category)
	}
	if f.Location != "" {
		v.Set("location", f.Location)
	}
	if f.MinPrice > 0 {
		v.Set("minPrice", strconv.FormatFloat(f.MinPrice, 'f', -1, 64))
	}
	if f.MaxPrice > 0 {
		v.Set("maxPrice", strconv.FormatFloat(f.MaxPrice, 'f', -1, 64))
	}
	if f.Page > 0 {
		v.Set("page", strconv.Itoa(f.Page))
	}
	if f.Limit > 0 {
		v.Set("limit", strconv.Itoa(f.Limit))
	}
	return v
}

// Image is one file for UploadToolImages.
type Image struct {
	FileName    string
	ContentType string
	Content     []byte
}

// Rental is a booking of a tool.
type Rental struct {
	ID         string    `json:"id"`
	ToolID     string    `json:"toolId"`
	RenterID   string    `json:"renterId,omitempty"`
	StartDate  time.Time `json:"startDate"`
	EndDate    time.Time `json:"endDate"`
	Status     string    `json:"status,omitempty"`
	TotalPrice float64   `json:"totalPrice,omitempty"`
}

// RentalInput requests a booking.
type RentalInput struct {
	ToolID    string    `json:"toolId"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
}

// Transaction is a payment record.
type Transaction struct {
	ID        string    `json:"id"`
	RentalID  string    `json:"rentalId,omitempty"`
	Amount    float64   `json:"amount"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// Conversation is a chat thread between users.
type Conversation struct {
	ID           string   `json:"id"`
	Participants []string `json:"participants"`
	LastMessage  *Message `json:"lastMessage,omitempty"`
}

// Message is one chat message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ProfileUpdate holds the editable profile fields. Empty fields are left
// unchanged by the server.
type ProfileUpdate struct {
	Name     string `json:"name,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	Location string `json:"location,omitempty"`
}

// Client calls the marketplace API on behalf of the signed-in user.
type Client struct {
	ctrl *session.Controller
	gw   *session.Gateway
}

// New returns a Client bound to ctrl's session.
func New(ctrl *session.Controller) *Client {
	return &Client{ctrl: ctrl, gw: ctrl.Gateway()}
}

// ListTools searches the catalogue.
func (c *Client) ListTools(ctx context.Context, f ToolFilter) ([]Tool, error) {
	path := "/tools"
	if q := f.values().Encode(); q != "" {
		path += "?" + q
	}
	var tools []Tool
	if err := c.call(ctx, session.Request{Method: http.MethodGet, Path: path}, &tools); err != nil {
		return nil, err
	}
	return tools, nil
}

// GetTool fetches one listing.
func (c *Client) GetTool(ctx context.Context, id string) (*Tool, error) {
	var tool Tool
	if err := c.call(ctx, session.Request{Method: http.MethodGet, Path: toolPath(id)}, &tool); err != nil {
		return nil, err
	}
	return &tool, nil
}

// CreateTool publishes a new listing owned by the current user.
func (c *Client) CreateTool(ctx context.Context, in ToolInput) (*Tool, error) {
	var tool Tool
	if err := c.call(ctx, session.Request{Method: http.MethodPost, Path: "/tools", Body: in}, &tool); err != nil {
		return nil, err
	}
	return &tool, nil
}

// UpdateTool replaces the writable fields of a listing.
func (c *Client) UpdateTool(ctx context.Context, id string, in ToolInput) (*Tool, error) {
	var tool Tool
	if err := c.call(ctx, session.Request{Method: http.MethodPut, Path: toolPath(id), Body: in}, &tool); err != nil {
		return nil, err
	}
	return &tool, nil
}

// DeleteTool removes a listing.
func (c *Client) DeleteTool(ctx context.Context, id string) error {
	return c.call(ctx, session.Request{Method: http.MethodDelete, Path: toolPath(id)}, nil)
}

// UploadToolImages attaches images to a listing and returns it updated.
func (c *Client) UploadToolImages(ctx context.Context, id string, images ...Image) (*Tool, error) {
	if len(images) == 0 {
		return nil, errors.New("no images to upload")
	}

	form := &session.Multipart{}
	for _, img := range images {
		form.Files = append(form.Files, session.FilePart{
			Field:       "images",
			FileName:    img.FileName,
			ContentType: img.ContentType,
			Content:     img.Content,
		})
	}

	var tool Tool
	req := session.Request{Method: http.MethodPut, Path: toolPath(id) + "/images", Multipart: form}
	if err := c.call(ctx, req, &tool); err != nil {
		return nil, err
	}
	return &tool, nil
}

// ListRentals returns the current user's bookings.
func (c *Client) ListRentals(ctx context.Context) ([]Rental, error) {
	var rentals []Rental
	if err := c.call(ctx, session.Request{Method: http.MethodGet, Path: "/rentals"}, &rentals); err != nil {
		return nil, err
	}
	return rentals, nil
}

// CreateRental books a tool.
func (c *Client) CreateRental(ctx context.Context, in RentalInput) (*Rental, error) {
	if !in.EndDate.After(in.StartDate) {
		return nil, errors.New("rental must end after it starts")
	}
	var rental Rental
	if err := c.call(ctx, session.Request{Method: http.MethodPost, Path: "/rentals", Body: in}, &rental); err != nil {
		return nil, err
	}
	return &rental, nil
}

// ListTransactions returns the current user's payments.
func (c *Client) ListTransactions(ctx context.Context) ([]Transaction, error) {
	var txs []Transaction
	if err := c.call(ctx, session.Request{Method: http.MethodGet, Path: "/transactions"}, &txs); err != nil {
		return nil, err
	}
	return txs, nil
}

// UpdateProfile saves the profile and replaces the session's user record
// with the server's answer.
func (c *Client) UpdateProfile(ctx context.Context, in ProfileUpdate) (*session.User, error) {
	current := c.ctrl.User()
	if current == nil {
		return nil, session.ErrNotAuthenticated
	}

	var user session.User
	req := session.Request{
		Method: http.MethodPut,
		Path:   "/users/" + url.PathEscape(current.ID),
		Body:   in,
	}
	if err := c.call(ctx, req, &user); err != nil {
		return nil, err
	}
	if user.ID == "" {
		user.ID = current.ID
	}

	if err := c.ctrl.UpdateUser(ctx, user); err != nil {
		return nil, err
	}
	return &user, nil
}

// ListConversations returns the chat threads of the current user.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	var convs []Conversation
	if err := c.call(ctx, session.Request{Method: http.MethodGet, Path: "/conversations"}, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// SendMessage posts a message to a conversation.
func (c *Client) SendMessage(ctx context.Context, conversationID, body string) (*Message, error) {
	var msg Message
	req := session.Request{
		Method: http.MethodPost,
		Path:   "/conversations/" + url.PathEscape(conversationID) + "/messages",
		Body:   map[string]string{"body": body},
	}
	if err := c.call(ctx, req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) call(ctx context.Context, req session.Request, out any) error {
	resp, err := c.gw.Do(ctx, req)
	if err != nil {
		return err
	}
	return session.DecodeJSON(resp, out)
}

func toolPath(id string) string {
	return "/tools/" + url.PathEscape(id)
}
