// Embed generates a Go file with string constants for all files of a
// given type in the current directory. This is how services keep their
// JSON schema documents next to the code that registers them with the
// schema validator.
//
// A file "widget.json" becomes the constant widgetJSON in the generated
// file generated_embedded_json.go.
package main

import (
	"flag"
	"io"
	"os"
	"strings"
)

var fileType = flag.String("type", "json", "the type of files")

func main() {
	flag.Parse()
	suffix := "." + *fileType
	goSuffix := strings.ToUpper(*fileType)
	fs, _ := os.ReadDir(".")
	out, err := os.Create("generated_embedded_" + *fileType + ".go")
	if err != nil {
		panic(err)
	}
	out.Write([]byte("package main \n"))
	out.Write([]byte("\nconst (\n"))
	var files []string
	for _, f := range fs {
		if strings.HasSuffix(f.Name(), suffix) {
			files = append(files, f.Name())
		}
	}

	for _, name := range files {
		f, err := os.Open(name)
		if err != nil {
			panic(err)
		}
		out.Write([]byte(strings.TrimSuffix(name, suffix) + goSuffix + " = `"))
		io.Copy(out, f)
		out.Write([]byte("`\n"))
		f.Close()
	}
	out.Write([]byte(")\n"))
}
