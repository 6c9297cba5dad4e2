package domain

import "fmt"

// Reader gives read-only access to live models. Readers handed to
// executables overlay the in-flight delta on the committed cache.
type Reader interface {
	Get(id ModelID) (Model, error)
	GetOrNull(id ModelID) (Model, bool)
	List(modelType string) []Model
	// Related returns every model referencing id.
	Related(id ModelID) []ModelID
	// RelatedByProperty returns models of modelType whose property
	// references id.
	RelatedByProperty(modelType, property string, id ModelID) []Model
	Count() int
}

// ErrModelNotFound is returned by Reader.Get for unknown identifiers.
type ErrModelNotFound struct {
	ID ModelID
}

func (e ErrModelNotFound) Error() string {
	return fmt.Sprintf("model %d not found", e.ID)
}
