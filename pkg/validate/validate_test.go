package validate

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moul.io/basesync/pkg/model"
)

func TestGuardFormulaInjection_PrefixesTriggerChars(t *testing.T) {
	for _, s := range []string{"=1+1", "+1", "-1", "@mention"} {
		got := GuardFormulaInjection(s)
		require.True(t, strings.HasPrefix(got, "'"), "GuardFormulaInjection(%q) = %q, want '-prefixed", s, got)
		assert.Equal(t, "'"+s, got)
	}
}

func TestGuardFormulaInjection_LeavesOrdinaryStringsAlone(t *testing.T) {
	assert.Equal(t, "hello", GuardFormulaInjection("hello"))
	assert.Equal(t, "", GuardFormulaInjection(""))
}

func TestSanitizeString_StripsControlCharsKeepsWhitespace(t *testing.T) {
	in := "a\x00b\x01c\td\ne\rf"
	got := SanitizeString(in)
	assert.Equal(t, "abc\td\ne\rf", got)
}

func TestSanitizeForSheet_FormulaLeadingValueIsApostrophePrefixed(t *testing.T) {
	sanitized, issues := SanitizeForSheet("Notes", 3, "=1+1")
	assert.Equal(t, "'=1+1", sanitized)
	require.Len(t, issues, 1)
	assert.Equal(t, CodeFormulaGuard, issues[0].Code)
	assert.Equal(t, "Notes", issues[0].FieldName)
	assert.Equal(t, 3, issues[0].RowIndex)
}

func TestSanitizeForSheet_ControlCharsAndFormulaBothReported(t *testing.T) {
	sanitized, issues := SanitizeForSheet("Notes", 0, "=\x01bad")
	assert.Equal(t, "'=bad", sanitized)
	require.Len(t, issues, 2)
	assert.Equal(t, CodeControlChars, issues[0].Code)
	assert.Equal(t, CodeFormulaGuard, issues[1].Code)
}

func TestSanitizeForSheet_CleanValuePassesThrough(t *testing.T) {
	sanitized, issues := SanitizeForSheet("Notes", 0, "clean value")
	assert.Equal(t, "clean value", sanitized)
	assert.Empty(t, issues)
}

func TestTruncateForSheet_EnforcesCap(t *testing.T) {
	long := strings.Repeat("a", SheetCellMax+100)
	truncated, issues := TruncateForSheet("Notes", 1, long)
	assert.Len(t, truncated, SheetCellMax)
	require.Len(t, issues, 1)
	assert.Equal(t, CodeLengthExceeded, issues[0].Code)
}

func TestTruncateForSheet_UnderCapUntouched(t *testing.T) {
	short := "short value"
	truncated, issues := TruncateForSheet("Notes", 0, short)
	assert.Equal(t, short, truncated)
	assert.Empty(t, issues)
}

func TestTruncateForAirtableLongText_EnforcesCap(t *testing.T) {
	long := strings.Repeat("b", AirtableLongTextMax+1)
	truncated, issues := TruncateForAirtableLongText("Description", 2, long)
	assert.Len(t, truncated, AirtableLongTextMax)
	require.Len(t, issues, 1)
	assert.Equal(t, CodeLengthExceeded, issues[0].Code)
}

func TestValidateEmail(t *testing.T) {
	assert.Empty(t, ValidateEmail("Email", 0, ""))
	assert.Empty(t, ValidateEmail("Email", 0, "a@example.com"))
	issues := ValidateEmail("Email", 0, "not-an-email")
	require.Len(t, issues, 1)
	assert.Equal(t, CodeInvalidEmail, issues[0].Code)
}

func TestValidateURL(t *testing.T) {
	assert.Empty(t, ValidateURL("Website", 0, ""))
	assert.Empty(t, ValidateURL("Website", 0, "https://example.com"))
	issues := ValidateURL("Website", 0, "not a url")
	require.Len(t, issues, 1)
	assert.Equal(t, CodeInvalidURL, issues[0].Code)
}

func TestValidateNumber_RejectsNaNAndInf(t *testing.T) {
	assert.Empty(t, ValidateNumber("Score", 0, 1.5))
	assert.Len(t, ValidateNumber("Score", 0, math.NaN()), 1)
	assert.Len(t, ValidateNumber("Score", 0, math.Inf(1)), 1)
}

func TestBatchValidator_ValidateSheetRows_SanitizesAcrossChunks(t *testing.T) {
	v := &BatchValidator{ChunkSize: 2}
	rows := []Row{
		{RowIndex: 0, Values: map[string]string{"Notes": "=1+1"}},
		{RowIndex: 1, Values: map[string]string{"Notes": "clean"}},
		{RowIndex: 2, Values: map[string]string{"Notes": "+danger"}},
	}
	out, issues := v.ValidateSheetRows(rows)
	require.Len(t, out, 3)
	assert.Equal(t, "'=1+1", out[0].Values["Notes"])
	assert.Equal(t, "clean", out[1].Values["Notes"])
	assert.Equal(t, "'+danger", out[2].Values["Notes"])
	assert.Len(t, issues, 2)
}

func TestBatchValidator_ValidateSheetRows_DefaultsChunkSize(t *testing.T) {
	v := NewBatchValidator()
	assert.Equal(t, DefaultChunkSize, v.ChunkSize)
}

func TestToSyncIssues_MapsToValidationKind(t *testing.T) {
	issues := []Issue{{FieldName: "Notes", RowIndex: 4, Code: CodeFormulaGuard, SampledValue: "=1+1"}}
	got := ToSyncIssues(issues)
	require.Len(t, got, 1)
	assert.Equal(t, model.ErrValidation, got[0].Kind)
	assert.Equal(t, "Notes", got[0].FieldName)
	assert.Equal(t, 4, got[0].RowIndex)
	assert.Contains(t, got[0].Message, string(CodeFormulaGuard))
}
