package code

import (
	"fmt"
	"os"
	"runtime"
	"strings"
)

// cjkFontPaths lists candidate CJK font files per OS, in priority order.
// The first existing file wins; without it, plots render CJK text as empty
// boxes and the model has no way to diagnose why.
var cjkFontPaths = map[string][]string{
	"linux": {
		"/usr/share/fonts/opentype/noto/NotoSansCJK-Regular.ttc",
		"/usr/share/fonts/truetype/noto/NotoSansCJK-Regular.ttc",
		"/usr/share/fonts/truetype/wqy/wqy-zenhei.ttc",
		"/usr/share/fonts/truetype/arphic/uming.ttc",
	},
	"darwin": {
		"/System/Library/Fonts/PingFang.ttc",
		"/System/Library/Fonts/Hiragino Sans GB.ttc",
		"/Library/Fonts/Arial Unicode.ttf",
	},
	"windows": {
		`C:\Windows\Fonts\msyh.ttc`,
		`C:\Windows\Fonts\simhei.ttf`,
	},
}

// detectCJKFont returns the first existing candidate font path, or "".
func detectCJKFont() string {
	for _, p := range cjkFontPaths[runtime.GOOS] {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// buildPreamble produces the Python source injected before user statements.
// It configures stdout encoding, registers the CJK font with matplotlib when
// one exists, and exposes the conversation id plus a register_output()
// helper that emits the file sentinel.
func buildPreamble(convID string) string {
	var b strings.Builder
	b.WriteString("import sys as _manta_sys, os as _manta_os\n")
	b.WriteString("try:\n    _manta_sys.stdout.reconfigure(encoding='utf-8')\n    _manta_sys.stderr.reconfigure(encoding='utf-8')\nexcept Exception:\n    pass\n")
	fmt.Fprintf(&b, "MANTA_CONVERSATION_ID = %q\n", convID)
	b.WriteString("def register_output(path):\n")
	fmt.Fprintf(&b, "    print('%s ' + str(path))\n", fileSentinel)

	if font := detectCJKFont(); font != "" {
		b.WriteString("try:\n")
		b.WriteString("    import matplotlib as _manta_mpl\n")
		b.WriteString("    from matplotlib import font_manager as _manta_fm\n")
		fmt.Fprintf(&b, "    _manta_fm.fontManager.addfont(%q)\n", font)
		fmt.Fprintf(&b, "    _manta_mpl.rcParams['font.family'] = _manta_fm.FontProperties(fname=%q).get_name()\n", font)
		b.WriteString("    _manta_mpl.rcParams['axes.unicode_minus'] = False\n")
		b.WriteString("except Exception:\n    pass\n")
	}
	return b.String()
}

// injectPreamble inserts the preamble after the source's leading import
// block so user import order is unchanged. Leading comments, blank lines,
// and a module docstring-free import run all count as the head.
func injectPreamble(source, preamble string) string {
	lines := strings.Split(source, "\n")
	insertAt := 0
	for i, line := range lines {
		t := strings.TrimSpace(line)
		if t == "" || strings.HasPrefix(t, "#") ||
			strings.HasPrefix(t, "import ") || strings.HasPrefix(t, "from ") {
			insertAt = i + 1
			continue
		}
		break
	}
	var b strings.Builder
	for _, line := range lines[:insertAt] {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString(preamble)
	for _, line := range lines[insertAt:] {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
