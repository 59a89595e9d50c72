package build

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractFiles_FileLineAnnotation(t *testing.T) {
	content := "Here is the server.\n\n" +
		"File: cmd/server/main.go\n" +
		"```go\n" +
		"package main\n" +
		"func main() {}\n" +
		"```\n"

	files := extractFiles(content)
	require.Len(t, files, 1)
	assert.Equal(t, "cmd/server/main.go", files[0].path)
	assert.Equal(t, "go", files[0].language)
	assert.Equal(t, "package main\nfunc main() {}", files[0].content)
}

func TestExtractFiles_PathInFenceInfo(t *testing.T) {
	content := "```python app/models.py\n" +
		"class Todo: pass\n" +
		"```\n"

	files := extractFiles(content)
	require.Len(t, files, 1)
	assert.Equal(t, "app/models.py", files[0].path)
	assert.Equal(t, "python", files[0].language)
}

func TestExtractFiles_MultipleBlocks(t *testing.T) {
	content := "**File:** `index.html`\n" +
		"```html\n<html></html>\n```\n" +
		"Some prose in between.\n" +
		"File: styles.css\n" +
		"```css\nbody {}\n```\n"

	files := extractFiles(content)
	require.Len(t, files, 2)
	assert.Equal(t, "index.html", files[0].path)
	assert.Equal(t, "styles.css", files[1].path)
}

func TestExtractFiles_SkipsPathlessBlocks(t *testing.T) {
	content := "Example usage:\n" +
		"```bash\ncurl localhost:8080\n```\n"

	files := extractFiles(content)
	assert.Empty(t, files, "blocks without a path are examples, not project files")
}

func TestExtractFiles_EmptyBlockIgnored(t *testing.T) {
	content := "File: empty.txt\n```\n```\n"
	assert.Empty(t, extractFiles(content))
}
