package blobs

import (
	"net/http"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

// Handler serves GET /<hash> from a Cache.
type Handler struct {
	Cache *Cache
}

func (s *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tokens := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(tokens) == 1 {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			s.serveGETBlob(w, r, BlobInfo{Hash: tokens[0]})
			return
		}
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	http.Error(w, "not found", http.StatusNotFound)
}

func (s *Handler) serveGETBlob(w http.ResponseWriter, r *http.Request, info BlobInfo) {
	ctx := r.Context()
	log := klog.FromContext(ctx)

	f, err := s.Cache.Open(ctx, info)
	if err != nil {
		switch status.Code(err) {
		case codes.NotFound:
			http.Error(w, "not found", http.StatusNotFound)
		case codes.InvalidArgument:
			http.Error(w, "invalid blob hash", http.StatusBadRequest)
		default:
			log.Error(err, "error getting blob", "hash", info.Hash)
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		log.Error(err, "error getting blob", "hash", info.Hash)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	log.V(2).Info("serving blob", "path", f.Name())
	http.ServeContent(w, r, info.Hash, stat.ModTime(), f)
}
