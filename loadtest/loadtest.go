package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/ssuji15/taskcompile/model"
)

func main() {
	var (
		base          string
		codes         string
		totalRequests int
		ratePerSecond int
	)
	rootCmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Fire compile requests at a taskcompile server and poll them",
		Run: func(cmd *cobra.Command, args []string) {
			if codes == "" {
				fmt.Println("no --codes given")
				return
			}
			run(base, strings.Split(codes, ","), totalRequests, ratePerSecond)
		},
	}
	rootCmd.Flags().StringVar(&base, "url", "http://localhost:8080", "compile service address")
	rootCmd.Flags().StringVar(&codes, "codes", "", "comma separated task codes to compile")
	rootCmd.Flags().IntVarP(&totalRequests, "requests", "n", 100, "number of compile requests")
	rootCmd.Flags().IntVar(&ratePerSecond, "rate", 5, "requests per second")

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(base string, tasks []string, totalRequests, ratePerSecond int) {
	ticker := time.NewTicker(time.Second / time.Duration(ratePerSecond))
	defer ticker.Stop()

	var wg sync.WaitGroup
	client := &http.Client{Timeout: 10 * time.Second}

	for i := 1; i <= totalRequests; i++ {
		<-ticker.C // enforce rate limit

		wg.Add(1)

		go func(n int) {
			defer wg.Done()
			code := tasks[n%len(tasks)]
			start := time.Now()

			resp, err := client.PostForm(base+"/compile", url.Values{"code": {code}})
			if err != nil {
				fmt.Printf("Request %d: error sending request: %v\n", n, err)
				return
			}
			var sr model.StartResponse
			err = json.NewDecoder(resp.Body).Decode(&sr)
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK || err != nil {
				fmt.Printf("Request %d (%s) -> Status: %d\n", n, code, resp.StatusCode)
				return
			}

			st, err := poll(client, base, code, sr.Handle)
			if err != nil {
				fmt.Printf("Request %d (%s): poll failed: %v\n", n, code, err)
				return
			}
			fmt.Printf("Request %d (%s) -> handle %d, error=%v, msg=%q, took %s\n",
				n, code, sr.Handle, st.Error, st.Msg, time.Since(start).Round(time.Millisecond))
		}(i)
	}

	wg.Wait()
	fmt.Println("All requests completed")
}

func poll(client *http.Client, base, code string, handle int64) (model.CompileStatus, error) {
	q := url.Values{"code": {code}, "handle": {strconv.FormatInt(handle, 10)}}
	for {
		resp, err := client.Get(base + "/compile?" + q.Encode())
		if err != nil {
			return model.CompileStatus{}, err
		}
		var st model.CompileStatus
		err = json.NewDecoder(resp.Body).Decode(&st)
		resp.Body.Close()
		if err != nil {
			return st, err
		}
		if st.Done {
			return st, nil
		}
		time.Sleep(500 * time.Millisecond)
	}
}
