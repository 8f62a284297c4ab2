package store

import "time"

const (
	CollectionUsers    = "users"
	CollectionLoops    = "loops"
	CollectionSpots    = "spots"
	CollectionComments = "comments"
	CollectionTeams    = "teams"
	CollectionProjects = "projects"
)

// CollectionBillingEvents records processed webhook event ids.
const CollectionBillingEvents = "billingEvents"

type LoopType string

const (
	LoopURL   LoopType = "url"
	LoopImage LoopType = "image"
	LoopPDF   LoopType = "pdf"
	LoopFigma LoopType = "figma"
)

const (
	StatusActive   = "active"
	StatusArchived = "archived"
	StatusEdited   = "edited"

	SpotOpen     = "open"
	SpotResolved = "resolved"

	TargetLoop = "loop"
	TargetSpot = "spot"
)

// Member is one explicit role grant on a loop, team or project.
type Member struct {
	Role    string    `json:"role"`
	AddedAt time.Time `json:"addedAt"`
	AddedBy string    `json:"addedBy"`
}

type Loop struct {
	ID                 string            `json:"id"`
	Title              string            `json:"title"`
	Type               LoopType          `json:"type"`
	Content            string            `json:"content"`
	Screenshot         string            `json:"screenshot,omitempty"`
	FilePath           string            `json:"filePath,omitempty"`
	Pages              []string          `json:"pages"`
	TeamID             string            `json:"teamId,omitempty"`
	ProjectID          string            `json:"projectId,omitempty"`
	CreatedBy          string            `json:"createdBy"`
	Status             string            `json:"status"`
	SpotCount          int               `json:"spotCount"`
	SpotSeq            int               `json:"spotSeq"`
	CommentCount       int               `json:"commentCount"`
	Members            map[string]Member `json:"members"`
	MemberIDs          []string          `json:"memberIds"`
	PublicID           string            `json:"publicId,omitempty"`
	IsPublic           bool              `json:"isPublic"`
	PublicPasswordHash string            `json:"publicPasswordHash,omitempty"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Spot struct {
	ID           string    `json:"id"`
	LoopID       string    `json:"loopId"`
	Number       int       `json:"number"`
	Position     Position  `json:"position"`
	PageNumber   int       `json:"pageNumber"`
	Content      string    `json:"content"`
	Status       string    `json:"status"`
	CreatedBy    string    `json:"createdBy"`
	CommentCount int       `json:"commentCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type Attachment struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

type Comment struct {
	ID          string       `json:"id"`
	LoopID      string       `json:"loopId"`
	TargetID    string       `json:"targetId"`
	TargetType  string       `json:"targetType"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments"`
	Status      string       `json:"status"`
	CreatedBy   string       `json:"createdBy"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

type Team struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	CreatedBy string            `json:"createdBy"`
	Members   map[string]Member `json:"members"`
	MemberIDs []string          `json:"memberIds"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

type Project struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	TeamID    string            `json:"teamId,omitempty"`
	CreatedBy string            `json:"createdBy"`
	Members   map[string]Member `json:"members"`
	MemberIDs []string          `json:"memberIds"`
	Loops     []string          `json:"loops"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

type Subscription struct {
	PlanID                string     `json:"planId"`
	Status                string     `json:"status"`
	CurrentPeriodEnd      *time.Time `json:"currentPeriodEnd,omitempty"`
	CancelAtPeriodEnd     bool       `json:"cancelAtPeriodEnd"`
	AdditionalTeamMembers int        `json:"additionalTeamMembers"`
	CustomerID            string     `json:"customerId,omitempty"`
}

const (
	PlanFree = "free"

	SubscriptionActive   = "active"
	SubscriptionPastDue  = "past_due"
	SubscriptionCanceled = "canceled"
)

type User struct {
	ID           string       `json:"id"`
	DisplayName  string       `json:"displayName"`
	Email        string       `json:"email"`
	Subscription Subscription `json:"subscription"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}
