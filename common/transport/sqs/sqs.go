//	Package sqs carries frames over a pair of SQS queues per link. A client
//	creates its own upstream and downstream queues and announces them on the
//	service's accept queue; the listener polls that queue and hands out the
//	reverse link.
package sqs

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/op/go-logging"
	uuid "github.com/satori/go.uuid"

	klog "krypt.co/dispatch/common/log"
	"krypt.co/dispatch/common/protocol"
	"krypt.co/dispatch/common/transport"
)

const waitTimeSeconds = 3

func NewAPI(region string) (api sqsiface.SQSAPI, err error) {
	sess, err := session.NewSession(aws.NewConfig().WithRegion(region))
	if err != nil {
		return
	}
	api = sqs.New(sess)
	return
}

func acceptQueueName(service string) string {
	return service + "-accept"
}

func createQueue(api sqsiface.SQSAPI, name string) (queueURL string, err error) {
	out, err := api.CreateQueue(&sqs.CreateQueueInput{
		QueueName: aws.String(name),
		Attributes: map[string]*string{
			sqs.QueueAttributeNameMessageRetentionPeriod: aws.String("3600"),
			sqs.QueueAttributeNameVisibilityTimeout:      aws.String("1"),
		},
	})
	if err != nil {
		return
	}
	queueURL = *out.QueueUrl
	return
}

type Connector struct {
	API sqsiface.SQSAPI
	Log *logging.Logger
}

func (c *Connector) Connect(ctx context.Context, ref protocol.Reference) (transport.Link, error) {
	return transport.Mux{"sqs": c}.Connect(ctx, ref)
}

func (c *Connector) ConnectEndpoint(ctx context.Context, endpoint protocol.Endpoint) (link transport.Link, err error) {
	service := endpoint.Address
	id := uuid.NewV4().String()
	acceptURL, err := createQueue(c.API, acceptQueueName(service))
	if err != nil {
		return
	}
	upURL, err := createQueue(c.API, service+"-"+id+"-up")
	if err != nil {
		return
	}
	downURL, err := createQueue(c.API, service+"-"+id+"-down")
	if err != nil {
		return
	}
	if err = ctx.Err(); err != nil {
		return
	}
	_, err = c.API.SendMessage(&sqs.SendMessageInput{
		QueueUrl:    aws.String(acceptURL),
		MessageBody: aws.String(base64.StdEncoding.EncodeToString([]byte(upURL + " " + downURL))),
	})
	if err != nil {
		return
	}
	link = newLink(c.API, upURL, downURL, "sqs://"+service, c.Log)
	return
}

type Listener struct {
	api       sqsiface.SQSAPI
	service   string
	acceptURL string
	log       *logging.Logger
	accepts   *Link
}

func Listen(api sqsiface.SQSAPI, service string, log *logging.Logger) (l *Listener, err error) {
	acceptURL, err := createQueue(api, acceptQueueName(service))
	if err != nil {
		return
	}
	l = &Listener{
		api:       api,
		service:   service,
		acceptURL: acceptURL,
		log:       klog.Or(log, "sqs"),
	}
	//	the accept queue is read exactly like a link's downstream queue
	l.accepts = newLink(api, "", acceptURL, l.Addr(), l.log)
	return
}

func (l *Listener) Accept() (link transport.Link, err error) {
	for {
		var announce []byte
		announce, err = l.accepts.Read()
		if err != nil {
			return
		}
		urls := strings.Fields(string(announce))
		if len(urls) != 2 {
			l.log.Warning("malformed announce on", l.acceptURL)
			continue
		}
		//	the client's upstream is our downstream
		link = newLink(l.api, urls[1], urls[0], "sqs://"+l.service, l.log)
		return
	}
}

func (l *Listener) Close() error {
	return l.accepts.Close()
}

func (l *Listener) Addr() string {
	return "sqs://" + l.service
}

type Link struct {
	api     sqsiface.SQSAPI
	sendURL string
	recvURL string
	addr    string
	log     *logging.Logger

	mu      sync.Mutex
	pending [][]byte

	done      chan struct{}
	closeOnce sync.Once
}

func newLink(api sqsiface.SQSAPI, sendURL, recvURL, addr string, log *logging.Logger) *Link {
	return &Link{
		api:     api,
		sendURL: sendURL,
		recvURL: recvURL,
		addr:    addr,
		log:     klog.Or(log, "sqs"),
		done:    make(chan struct{}),
	}
}

func (l *Link) Write(frame []byte) (err error) {
	select {
	case <-l.done:
		err = transport.NotWritten(transport.ErrClosed)
		return
	default:
	}
	_, err = l.api.SendMessage(&sqs.SendMessageInput{
		MessageBody: aws.String(base64.StdEncoding.EncodeToString(frame)),
		QueueUrl:    aws.String(l.sendURL),
	})
	if err != nil {
		//	SendMessage either enqueues the whole body or nothing
		err = transport.NotWritten(err)
	}
	return
}

func (l *Link) Read() (frame []byte, err error) {
	for {
		l.mu.Lock()
		if len(l.pending) > 0 {
			frame = l.pending[0]
			l.pending = l.pending[1:]
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()

		select {
		case <-l.done:
			err = transport.ErrClosed
			return
		default:
		}
		if err = l.receive(); err != nil {
			return
		}
	}
}

func (l *Link) receive() (err error) {
	out, err := l.api.ReceiveMessage(&sqs.ReceiveMessageInput{
		MaxNumberOfMessages: aws.Int64(10),
		QueueUrl:            aws.String(l.recvURL),
		WaitTimeSeconds:     aws.Int64(waitTimeSeconds),
	})
	if err != nil {
		err = fmt.Errorf("sqs receive: %w", err)
		return
	}
	deleteEntries := []*sqs.DeleteMessageBatchRequestEntry{}
	var frames [][]byte
	for i, message := range out.Messages {
		deleteEntries = append(deleteEntries, &sqs.DeleteMessageBatchRequestEntry{
			Id:            aws.String(strconv.Itoa(i)),
			ReceiptHandle: message.ReceiptHandle,
		})
		if message.Body == nil {
			continue
		}
		frame, decodeErr := base64.StdEncoding.DecodeString(*message.Body)
		if decodeErr != nil {
			l.log.Warning("dropping undecodable message on", l.recvURL)
			continue
		}
		frames = append(frames, frame)
	}
	if len(deleteEntries) > 0 {
		_, deleteErr := l.api.DeleteMessageBatch(&sqs.DeleteMessageBatchInput{
			QueueUrl: aws.String(l.recvURL),
			Entries:  deleteEntries,
		})
		if deleteErr != nil {
			l.log.Error("sqs delete:", deleteErr)
		}
	}
	l.mu.Lock()
	l.pending = append(l.pending, frames...)
	l.mu.Unlock()
	return
}

func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	return nil
}

func (l *Link) RemoteAddr() string {
	return l.addr
}
