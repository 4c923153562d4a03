package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/grafov/m3u8"

	"transfer-hub/internal/cache"
	"transfer-hub/internal/headers"
	playlist "transfer-hub/internal/m3u8"
	"transfer-hub/internal/task"
)

const playlistDir = "playlists"

type playlistState struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Dir    string `json:"dir"`
	Items  int    `json:"items"`
	done   atomic.Bool
	failed atomic.Int32
}

type playlistView struct {
	*playlistState
	Failed int  `json:"failed"`
	Done   bool `json:"done"`
}

func (p *playlistState) view() playlistView {
	return playlistView{playlistState: p, Failed: int(p.failed.Load()), Done: p.done.Load()}
}

func (s *Server) handleAddPlaylist(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := url.ParseRequestURI(body.URL); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid url: %w", err))
		return
	}

	id := cache.IDFromURL(body.URL)
	s.mu.Lock()
	if existing, ok := s.playlists[id]; ok && !existing.done.Load() {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, fmt.Errorf("playlist %s is still downloading", id))
		return
	}
	s.mu.Unlock()

	state, err := s.startPlaylist(r.Context(), id, body.URL)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusAccepted, state.view())
}

func (s *Server) handleGetPlaylist(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	state, ok := s.playlists[r.PathValue("id")]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("playlist not found"))
		return
	}
	writeJSON(w, http.StatusOK, state.view())
}

// startPlaylist fetches a media playlist (following a master playlist to its
// best variant), writes a local copy and starts one download per segment and
// key under the playlist id.
func (s *Server) startPlaylist(ctx context.Context, id, rawURL string) (*playlistState, error) {
	media, base, err := s.fetchMedia(ctx, rawURL, 1)
	if err != nil {
		return nil, err
	}
	local, items := playlist.Localize(media, base)

	dir := filepath.Join(s.paths.Root(), playlistDir, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create playlist dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "index.m3u8"), []byte(local), 0644); err != nil {
		return nil, fmt.Errorf("write playlist: %w", err)
	}

	state := &playlistState{ID: id, URL: rawURL, Dir: dir, Items: len(items)}
	s.mu.Lock()
	s.playlists[id] = state
	s.mu.Unlock()

	for _, item := range items {
		taskID := id + "-" + item.Filename
		opts := task.Options{Path: filepath.Join(playlistDir, id, item.Filename), SessionID: id}
		s.manager.Start(opts, 0, taskID, task.Request{Method: http.MethodGet, URL: item.URL, Header: headers.FromHTTP(s.header)}, func(res task.Result) {
			if res.Err != nil {
				state.failed.Add(1)
			}
		})
	}

	s.manager.SetCompletionHandler(id, func() {
		state.done.Store(true)
		s.logger.Info().Str("playlist", id).Int("items", state.Items).Int32("failed", state.failed.Load()).Msg("playlist finished")
	})
	return state, nil
}

func (s *Server) fetchMedia(ctx context.Context, rawURL string, hops int) (*m3u8.MediaPlaylist, *url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, err
	}
	for k, v := range s.header {
		req.Header[k] = v
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch playlist: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, fmt.Errorf("fetch playlist: bad status code: %d", resp.StatusCode)
	}

	base, _ := url.Parse(rawURL)
	pl, kind, err := playlist.Parse(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	switch kind {
	case playlist.Master:
		if hops <= 0 {
			return nil, nil, errors.New("nested master playlists")
		}
		next, err := playlist.BestVariant(pl.(*m3u8.MasterPlaylist), base)
		if err != nil {
			return nil, nil, err
		}
		return s.fetchMedia(ctx, next, hops-1)
	case playlist.Media:
		return pl.(*m3u8.MediaPlaylist), base, nil
	}
	return nil, nil, errors.New("unsupported playlist")
}
