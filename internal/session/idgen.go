package session

import gonanoid "github.com/matoous/go-nanoid/v2"

// idLength gives 64^10 possible ids, enough that guessing or colliding with a
// live session is impractical.
const idLength = 10

// newID returns a fresh URL-safe session identifier.
func newID() (string, error) {
	return gonanoid.New(idLength)
}
