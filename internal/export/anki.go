// Package export writes flashcards in formats other tools can import.
package export

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/conorfennell/slidetutor/internal/domain"
)

// ContentType is the media type of an Anki export.
const ContentType = "text/tab-separated-values; charset=utf-8"

var fieldReplacer = strings.NewReplacer(
	"\r\n", "<br>",
	"\n", "<br>",
	"\r", "<br>",
	"\t", " ",
)

// Field makes s safe for a single TSV column: tabs become spaces and line
// breaks become <br>, which Anki renders as HTML.
func Field(s string) string {
	return fieldReplacer.Replace(strings.TrimSpace(s))
}

// Anki writes one "question<TAB>answer" line per card. The card context, if
// any, is appended to the answer.
func Anki(w io.Writer, cards []domain.Flashcard) error {
	bw := bufio.NewWriter(w)
	for _, c := range cards {
		answer := Field(c.Answer)
		if ctx := Field(c.Context); ctx != "" {
			answer += "<br><br>" + ctx
		}
		if _, err := fmt.Fprintf(bw, "%s\t%s\n", Field(c.Question), answer); err != nil {
			return fmt.Errorf("failed to write card %s: %w", c.ID, err)
		}
	}
	return bw.Flush()
}

// Filename is the download name for an upload's export.
func Filename(upload domain.Upload) string {
	name := upload.Filename
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		name = name[:i]
	}
	if name == "" {
		name = upload.ID
	}
	return name + "-anki.tsv"
}
