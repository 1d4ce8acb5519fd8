package publisher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/maheshrc27/postflow/internal/media"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

const (
	youtubeTitleLimit = 100
	youtubeCategory   = "22"
)

var ErrNoVideo = errors.New("post has no video media")

// YouTube uploads the post's first video with the content as description.
type YouTube struct {
	oauth *oauth2.Config
	media media.Store
}

func NewYouTubeOAuthConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       []string{"https://www.googleapis.com/auth/youtube.upload"},
		Endpoint:     google.Endpoint,
	}
}

func NewYouTube(oauth *oauth2.Config, store media.Store) *YouTube {
	return &YouTube{oauth: oauth, media: store}
}

func (y *YouTube) Publish(ctx context.Context, req Request) (Result, error) {
	if req.Connection == nil {
		return Result{}, Permanent("youtube", errors.New("missing connection"))
	}
	var video string
	for _, m := range req.Media {
		if m.Kind == media.KindVideo {
			video = m.Key
			break
		}
	}
	if video == "" {
		return Result{}, Permanent("youtube", ErrNoVideo)
	}

	token := &oauth2.Token{
		AccessToken:  req.Connection.AccessToken,
		RefreshToken: req.Connection.RefreshToken,
	}
	if req.Connection.ExpiresAt != nil {
		token.Expiry = *req.Connection.ExpiresAt
	}
	client := y.oauth.Client(ctx, token)
	service, err := youtube.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return Result{}, Transient("youtube", fmt.Errorf("create youtube service: %w", err))
	}

	body, err := y.media.Open(ctx, video)
	if err != nil {
		if errors.Is(err, media.ErrObjectNotFound) {
			return Result{}, Permanent("youtube", err)
		}
		return Result{}, Transient("youtube", err)
	}
	defer body.Close()

	upload := &youtube.Video{
		Snippet: &youtube.VideoSnippet{
			Title:       videoTitle(req.Content),
			Description: req.Content,
			CategoryId:  youtubeCategory,
		},
		Status: &youtube.VideoStatus{
			PrivacyStatus: "public",
		},
	}

	response, err := service.Videos.Insert([]string{"snippet", "status"}, upload).Media(body).Context(ctx).Do()
	if err != nil {
		return Result{}, classifyGoogleError(err)
	}
	return Result{PlatformPostID: response.Id}, nil
}

// videoTitle uses the first line of content, trimmed to the title limit.
func videoTitle(content string) string {
	title := strings.TrimSpace(strings.SplitN(content, "\n", 2)[0])
	if utf8.RuneCountInString(title) > youtubeTitleLimit {
		title = string([]rune(title)[:youtubeTitleLimit])
	}
	if title == "" {
		title = "Untitled"
	}
	return title
}

func classifyGoogleError(err error) *Error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusTooManyRequests, gerr.Code >= 500:
			return Transient("youtube", err)
		default:
			return Permanent("youtube", err)
		}
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return Permanent("youtube", err)
	}
	return Transient("youtube", err)
}
