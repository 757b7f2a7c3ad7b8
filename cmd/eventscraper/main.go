// The main package for the eventscraper executable.
package main

import "github.com/JakeFAU/realtime-events-crawler/cmd"

func main() {
	cmd.Execute()
}
